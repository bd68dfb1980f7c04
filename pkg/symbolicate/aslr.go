package symbolicate

// Slide is the distance the loader moved an image from its static base
func Slide(runtimeBase, staticBase uint64) uint64 {
	return runtimeBase - staticBase
}

// Translate maps an offset from an image's runtime base into the binary's
// unslid address space. Arithmetic wraps, so the result is always staticBase + offset.
func Translate(runtimeBase, staticBase, offset uint64) uint64 {
	return (runtimeBase - Slide(runtimeBase, staticBase)) + offset
}
