package crashlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
)

// REFERENCES:
//     - https://developer.apple.com/documentation/xcode/interpreting-the-json-format-of-a-crash-report

var (
	// ErrMissingPayload is returned when the .ips file only has its metadata line
	ErrMissingPayload = errors.New("crash report has no payload")
	// ErrInvalidImageIndex is returned when a frame references an image that is not in usedImages
	ErrInvalidImageIndex = errors.New("frame image index out of range")
)

var osVersionRE = regexp.MustCompile(`(?P<version>[0-9.]+) \((?P<build>\w+)\)$`)

// IncidentReport is the first JSON document of an .ips file
type IncidentReport struct {
	Name         string `json:"name,omitempty"`
	AppName      string `json:"app_name,omitempty"`
	AppVersion   string `json:"app_version,omitempty"`
	BuildVersion string `json:"build_version,omitempty"`
	BugType      string `json:"bug_type,omitempty"`
	OsVersion    string `json:"os_version,omitempty"`
	BundleID     string `json:"bundleID,omitempty"`
	IncidentID   string `json:"incident_id,omitempty"`
	Platform     int    `json:"platform,omitempty"`
	Timestamp    string `json:"timestamp,omitempty"`
	SliceUUID    string `json:"slice_uuid,omitempty"`
	IsFirstParty int    `json:"is_first_party,omitempty"`
}

// FirstParty reports whether the crashing process ships with the OS
func (r IncidentReport) FirstParty() bool {
	return r.IsFirstParty == 1
}

func (r IncidentReport) Version() string {
	matches := osVersionRE.FindStringSubmatch(r.OsVersion)
	if len(matches) != 3 {
		return r.OsVersion
	}
	return matches[1]
}

func (r IncidentReport) Build() string {
	matches := osVersionRE.FindStringSubmatch(r.OsVersion)
	if len(matches) != 3 {
		return r.OsVersion
	}
	return matches[2]
}

type OsVersion struct {
	ReleaseType string `json:"releaseType,omitempty"`
	Build       string `json:"build,omitempty"`
	Train       string `json:"train,omitempty"`
	IsEmbedded  bool   `json:"isEmbedded,omitempty"`
}

type Exception struct {
	Codes    string   `json:"codes,omitempty"`
	RawCodes []uint64 `json:"rawCodes,omitempty"`
	Message  string   `json:"message,omitempty"`
	Signal   string   `json:"signal,omitempty"`
	Type     string   `json:"type,omitempty"`
	Subtype  string   `json:"subtype,omitempty"`
}

type Termination struct {
	ByPid     int    `json:"byPid,omitempty"`
	ByProc    string `json:"byProc,omitempty"`
	Code      int64  `json:"code,omitempty"`
	Flags     int    `json:"flags,omitempty"`
	Indicator string `json:"indicator,omitempty"`
	Namespace string `json:"namespace,omitempty"`
}

type Register struct {
	Value          uint64 `json:"value,omitempty"`
	SymbolLocation uint64 `json:"symbolLocation,omitempty"`
	Symbol         string `json:"symbol,omitempty"`
	ObjcSelector   string `json:"objc-selector,omitempty"`
	Description    string `json:"description,omitempty"`
}

// ThreadState is the register snapshot of a thread
type ThreadState struct {
	Flavor string     `json:"flavor,omitempty"`
	X      []Register `json:"x,omitempty"`
	LR     Register   `json:"lr"`
	CPSR   Register   `json:"cpsr"`
	FP     Register   `json:"fp"`
	SP     Register   `json:"sp"`
	ESR    Register   `json:"esr"`
	PC     Register   `json:"pc"`
	FAR    Register   `json:"far"`
}

// Frame is one entry of a backtrace
type Frame struct {
	ImageIndex  uint64 `json:"imageIndex"`
	ImageOffset uint64 `json:"imageOffset"`
	Symbol      string `json:"symbol,omitempty"`
	// SymbolLocation is the PC offset inside Symbol (nil when the report has none)
	SymbolLocation *uint64 `json:"symbolLocation,omitempty"`
}

type Thread struct {
	ID          int          `json:"id,omitempty"`
	Name        string       `json:"name,omitempty"`
	Queue       string       `json:"queue,omitempty"`
	Triggered   bool         `json:"triggered,omitempty"`
	Frames      []Frame      `json:"frames,omitempty"`
	ThreadState *ThreadState `json:"threadState,omitempty"`
}

// UsedImage is a binary image loaded in the crashing process
type UsedImage struct {
	Arch   string `json:"arch,omitempty"`
	Base   uint64 `json:"base"`
	Size   uint64 `json:"size,omitempty"`
	Source string `json:"source,omitempty"`
	UUID   string `json:"uuid,omitempty"`
	// Path is where the image lived on the device, not where it is on disk here
	Path string `json:"path,omitempty"`
	Name string `json:"name,omitempty"`
}

// CrashInfo is the second JSON document of an .ips file
type CrashInfo struct {
	UserID                 int          `json:"userID,omitempty"`
	ModelCode              string       `json:"modelCode,omitempty"`
	OsVersion              OsVersion    `json:"osVersion"`
	CPUType                string       `json:"cpuType,omitempty"`
	ProcName               string       `json:"procName,omitempty"`
	ProcPath               string       `json:"procPath,omitempty"`
	ParentProc             string       `json:"parentProc,omitempty"`
	ParentPid              int          `json:"parentPid,omitempty"`
	CoalitionName          string       `json:"coalitionName,omitempty"`
	Exception              Exception    `json:"exception"`
	Termination            *Termination `json:"termination,omitempty"`
	FaultingThread         int          `json:"faultingThread,omitempty"`
	Threads                []Thread     `json:"threads,omitempty"`
	UsedImages             []UsedImage  `json:"usedImages,omitempty"`
	LastExceptionBacktrace []Frame      `json:"lastExceptionBacktrace,omitempty"`
}

// Image returns the used image a frame points at
func (c *CrashInfo) Image(frame Frame) (*UsedImage, error) {
	if frame.ImageIndex >= uint64(len(c.UsedImages)) {
		return nil, fmt.Errorf("%w: index %d (report has %d images)", ErrInvalidImageIndex, frame.ImageIndex, len(c.UsedImages))
	}
	return &c.UsedImages[frame.ImageIndex], nil
}

// CrashedThread returns the thread flagged as triggered, falling back to faultingThread
func (c *CrashInfo) CrashedThread() (*Thread, bool) {
	for idx := range c.Threads {
		if c.Threads[idx].Triggered {
			return &c.Threads[idx], true
		}
	}
	if c.FaultingThread >= 0 && c.FaultingThread < len(c.Threads) {
		return &c.Threads[c.FaultingThread], true
	}
	return nil, false
}

// Backtrace returns the frames to symbolicate: the last exception backtrace
// when the report has one, otherwise the crashed thread's frames
func (c *CrashInfo) Backtrace() []Frame {
	if len(c.LastExceptionBacktrace) > 0 {
		return c.LastExceptionBacktrace
	}
	if t, ok := c.CrashedThread(); ok {
		return t.Frames
	}
	return nil
}

// Validate checks that every frame that will be symbolicated points at a used image
func (c *CrashInfo) Validate() error {
	for idx, frame := range c.Backtrace() {
		if _, err := c.Image(frame); err != nil {
			return fmt.Errorf("frame %d: %w", idx, err)
		}
	}
	return nil
}

// Ips is a parsed .ips crash report
type Ips struct {
	Header  IncidentReport
	Payload CrashInfo
}

// Parse decodes the metadata line and the crash payload from r
func Parse(r io.Reader) (*Ips, error) {
	var ips Ips

	dec := json.NewDecoder(r)
	if err := dec.Decode(&ips.Header); err != nil {
		return nil, fmt.Errorf("failed to decode JSON header (possibly unsupported .ips format): %w", err)
	}
	if err := dec.Decode(&ips.Payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrMissingPayload
		}
		return nil, fmt.Errorf("failed to decode crash payload: %w", err)
	}

	if len(ips.Payload.ProcName) == 0 {
		return nil, fmt.Errorf("crash payload is missing procName")
	}

	return &ips, nil
}

// Open parses the .ips file at path
func Open(path string) (*Ips, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ips, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return ips, nil
}
