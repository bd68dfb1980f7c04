package crashlog

import (
	"fmt"
	"strings"
)

const sectionRule = "--------------------"

func field(out *strings.Builder, width int, name string, value any) {
	fmt.Fprintf(out, "%-*s %-*v\n", width, name, width, value)
}

// GeneralInfo renders the process identity section of the report
func (i *Ips) GeneralInfo() string {
	var out strings.Builder
	out.WriteString("GENERAL INFO\n\n")
	field(&out, 15, "Name:", i.Header.Name)
	field(&out, 15, "App Name:", i.Header.AppName)
	field(&out, 15, "Bundle ID:", i.Payload.CoalitionName)
	field(&out, 15, "Version:", i.Header.AppVersion)
	field(&out, 15, "OS Version:", i.Header.OsVersion)
	field(&out, 15, "Timestamp:", i.Header.Timestamp)
	field(&out, 15, "OS build:", i.Payload.OsVersion.Build)
	field(&out, 15, "OS model:", i.Payload.ModelCode)
	field(&out, 15, "CPU:", i.Payload.CPUType)
	field(&out, 15, "User ID:", i.Payload.UserID)
	field(&out, 15, "Proc Path:", i.Payload.ProcPath)
	field(&out, 15, "Parent Proc:", i.Payload.ParentProc)
	field(&out, 15, "Parent PID:", i.Payload.ParentPid)
	out.WriteString(sectionRule + "\n\n")
	return out.String()
}

// ExceptionInfo renders the exception and termination section of the report
func (i *Ips) ExceptionInfo() string {
	var out strings.Builder
	exc := i.Payload.Exception
	subtype := exc.Subtype
	if len(subtype) == 0 {
		subtype = "None"
	}
	out.WriteString("EXCEPTION INFO\n\n")
	field(&out, 20, "Exception type:", exc.Type)
	field(&out, 20, "Exception subtype:", subtype)
	field(&out, 20, "Exception signal:", exc.Signal)
	field(&out, 20, "Exception codes:", exc.Codes)
	if term := i.Payload.Termination; term != nil {
		indicator := term.Indicator
		if len(indicator) == 0 {
			indicator = "None"
		}
		field(&out, 20, "Termination:", indicator)
	}
	out.WriteString(sectionRule + "\n\n")
	return out.String()
}

// Registers renders the crashed thread's arm64 register state (x86_64 reports render an empty section)
func (i *Ips) Registers() string {
	var out strings.Builder
	out.WriteString("REGISTERS\n\n")
	if i.Payload.CPUType != "X86-64" {
		if t, ok := i.Payload.CrashedThread(); ok && t.ThreadState != nil {
			state := t.ThreadState
			for idx, reg := range state.X {
				fmt.Fprintf(&out, "x%d: %#x", idx, reg.Value)
				switch {
				case len(reg.ObjcSelector) > 0:
					fmt.Fprintf(&out, "%50s\n", reg.ObjcSelector)
				case len(reg.Symbol) > 0:
					fmt.Fprintf(&out, "%50s\n", reg.Symbol)
				default:
					out.WriteString("\n")
				}
			}
			fmt.Fprintf(&out, "pc: %#x\n", state.PC.Value)
			fmt.Fprintf(&out, "sp: %#x\n", state.SP.Value)
			fmt.Fprintf(&out, "fp: %#x\n", state.FP.Value)
			fmt.Fprintf(&out, "esr: %#x\n", state.ESR.Value)
			fmt.Fprintf(&out, "lr: %#x\n", state.LR.Value)
			fmt.Fprintf(&out, "cpsr: %#x\n", state.CPSR.Value)
			fmt.Fprintf(&out, "far: %#x\n", state.FAR.Value)
			fmt.Fprintf(&out, "flavor: %s\n", state.Flavor)
		}
	}
	out.WriteString(sectionRule + "\n\n")
	return out.String()
}
