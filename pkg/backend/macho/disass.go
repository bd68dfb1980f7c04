package macho

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/blacktop/arm64-cgo/disassemble"
)

// render disassembles data loaded at start; the instruction at mark (if any) gets a pointer
func (s *Session) render(data []byte, start, mark uint64) string {
	var out strings.Builder
	var results [1024]byte
	var prevInstr *disassemble.Instruction

	if name, ok := s.a2s[start]; ok {
		fmt.Fprintf(&out, "%s:\n", name)
	} else {
		fmt.Fprintf(&out, "sub_%x:\n", start)
	}

	addr := start
	for off := 0; off+4 <= len(data); off += 4 {
		instrValue := binary.LittleEndian.Uint32(data[off:])

		prefix := fmt.Sprintf("%#08x", addr)
		if mark != 0 && addr == mark {
			prefix = fmt.Sprintf("👉%08x", addr)
		}

		instruction, err := disassemble.Decompose(addr, instrValue, &results)
		if err != nil {
			switch {
			case instrValue == 0xe7ffdefe || instrValue == 0xe7ffdeff:
				fmt.Fprintf(&out, "%s:  %s\ttrap\n", prefix, disassemble.GetOpCodeByteString(instrValue))
			case instrValue > 0xffff0000:
				fmt.Fprintf(&out, "%s:  %s\t.long\t%#x ; (probably a jump-table)\n", prefix, disassemble.GetOpCodeByteString(instrValue), instrValue)
			default:
				fmt.Fprintf(&out, "%s:  %s\t.long\t%#x ; (%s)\n", prefix, disassemble.GetOpCodeByteString(instrValue), instrValue, err.Error())
			}
			prevInstr = nil
			addr += 4
			continue
		}

		instrStr := instruction.String()

		if instruction.Encoding == disassemble.ENC_BL_ONLY_BRANCH_IMM || instruction.Encoding == disassemble.ENC_B_ONLY_BRANCH_IMM {
			if name, ok := s.a2s[uint64(instruction.Operands[0].Immediate)]; ok {
				instrStr = fmt.Sprintf("%s\t%s", instruction.Operation, name)
			}
		} else if instruction.Encoding == disassemble.ENC_CBZ_64_COMPBRANCH {
			if name, ok := s.a2s[uint64(instruction.Operands[1].Immediate)]; ok {
				instrStr += fmt.Sprintf(" ; %s", name)
			}
		} else if (prevInstr != nil && prevInstr.Operation == disassemble.ARM64_ADRP) &&
			(instruction.Operation == disassemble.ARM64_ADD || instruction.Operation == disassemble.ARM64_LDR) &&
			len(prevInstr.Operands[0].Registers) > 0 && len(instruction.Operands[1].Registers) > 0 &&
			prevInstr.Operands[0].Registers[0] == instruction.Operands[1].Registers[0] {
			adrpImm := prevInstr.Operands[1].Immediate
			if instruction.Operation == disassemble.ARM64_LDR {
				adrpImm += instruction.Operands[1].Immediate
			} else {
				adrpImm += instruction.Operands[2].Immediate
			}
			if name, ok := s.a2s[uint64(adrpImm)]; ok {
				instrStr += fmt.Sprintf(" ; %s", name)
			}
		}

		fmt.Fprintf(&out, "%s:  %s\t%s\n", prefix, disassemble.GetOpCodeByteString(instrValue), instrStr)

		prevInstr = instruction
		addr += 4
	}

	return out.String()
}
