package crashlog

import (
	"errors"
	"strings"
	"testing"
)

const sampleIPS = `{"app_name":"Demo","timestamp":"2024-03-01 10:11:12.00 +0000","app_version":"1.2","slice_uuid":"a","build_version":"7","platform":2,"share_with_app_devs":0,"is_first_party":0,"bug_type":"309","os_version":"iPhone OS 17.3.1 (21D61)","incident_id":"b","name":"Demo"}
{
  "userID": 501,
  "modelCode": "iPhone15,2",
  "osVersion": {"isEmbedded": true, "train": "iPhone OS 17.3.1", "releaseType": "User", "build": "21D61"},
  "cpuType": "ARM-64",
  "procName": "Demo",
  "procPath": "/private/var/containers/Bundle/Application/X/Demo.app/Demo",
  "parentProc": "launchd",
  "parentPid": 1,
  "coalitionName": "com.example.demo",
  "exception": {"codes": "0x0, 0x0", "rawCodes": [0, 0], "type": "EXC_CRASH", "signal": "SIGABRT"},
  "termination": {"flags": 0, "code": 0, "namespace": "SIGNAL", "indicator": "Abort trap: 6"},
  "faultingThread": 0,
  "threads": [
    {"id": 1, "frames": [{"imageOffset": 16, "imageIndex": 1}]},
    {"id": 2, "triggered": true, "threadState": {"flavor": "ARM_THREAD_STATE64", "x": [{"value": 1}, {"value": 2, "symbol": "foo"}, {"value": 3, "objc-selector": "init"}], "pc": {"value": 4096}, "sp": {"value": 8}, "fp": {"value": 16}, "lr": {"value": 32}, "cpsr": {"value": 0}, "esr": {"value": 1, "description": "x"}, "far": {"value": 0}},
     "frames": [
       {"imageOffset": 100, "symbol": "__pthread_kill", "symbolLocation": 8, "imageIndex": 0},
       {"imageOffset": 200, "symbol": "-[DemoView layout]", "symbolLocation": 0, "imageIndex": 1},
       {"imageOffset": 300, "imageIndex": 1}
     ]}
  ],
  "usedImages": [
    {"source": "P", "arch": "arm64e", "base": 7000000000, "size": 4096, "uuid": "u0", "path": "/usr/lib/system/libsystem_kernel.dylib", "name": "libsystem_kernel.dylib"},
    {"source": "P", "arch": "arm64", "base": 4294967296, "size": 8192, "uuid": "u1", "path": "/private/var/containers/Bundle/Application/X/Demo.app/Demo", "name": "Demo"}
  ]
}`

func TestParse(t *testing.T) {
	ips, err := Parse(strings.NewReader(sampleIPS))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if ips.Header.Name != "Demo" || ips.Header.FirstParty() {
		t.Errorf("unexpected header: %+v", ips.Header)
	}
	if got := ips.Header.Version(); got != "17.3.1" {
		t.Errorf("Version() = %q, want %q", got, "17.3.1")
	}
	if got := ips.Header.Build(); got != "21D61" {
		t.Errorf("Build() = %q, want %q", got, "21D61")
	}
	if ips.Payload.ProcName != "Demo" {
		t.Errorf("ProcName = %q", ips.Payload.ProcName)
	}
	if len(ips.Payload.UsedImages) != 2 {
		t.Fatalf("got %d used images, want 2", len(ips.Payload.UsedImages))
	}

	bt := ips.Payload.Backtrace()
	if len(bt) != 3 {
		t.Fatalf("Backtrace() returned %d frames, want 3 (triggered thread)", len(bt))
	}
	if bt[0].SymbolLocation == nil || *bt[0].SymbolLocation != 8 {
		t.Errorf("frame 0 symbolLocation = %v, want 8", bt[0].SymbolLocation)
	}
	if bt[1].SymbolLocation == nil || *bt[1].SymbolLocation != 0 {
		t.Errorf("frame 1 symbolLocation should be present and zero")
	}
	if bt[2].SymbolLocation != nil || bt[2].Symbol != "" {
		t.Errorf("frame 2 should have no symbol information: %+v", bt[2])
	}
	if err := ips.Payload.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr error
	}{
		{"header only", `{"name":"Demo"}`, ErrMissingPayload},
		{"garbage", `not json`, nil},
		{"no procName", `{"name":"Demo"}` + "\n" + `{"threads":[]}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.in))
			if err == nil {
				t.Fatal("Parse() expected an error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Parse() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestBacktracePrefersLastExceptionBacktrace(t *testing.T) {
	info := CrashInfo{
		Threads: []Thread{{Triggered: true, Frames: []Frame{{ImageOffset: 1}}}},
		LastExceptionBacktrace: []Frame{
			{ImageOffset: 10},
			{ImageOffset: 20},
		},
	}
	bt := info.Backtrace()
	if len(bt) != 2 || bt[0].ImageOffset != 10 {
		t.Errorf("Backtrace() = %+v, want lastExceptionBacktrace", bt)
	}
}

func TestCrashedThreadFallsBackToFaultingThread(t *testing.T) {
	info := CrashInfo{
		FaultingThread: 1,
		Threads: []Thread{
			{ID: 10},
			{ID: 11, Frames: []Frame{{ImageOffset: 5}}},
		},
	}
	th, ok := info.CrashedThread()
	if !ok || th.ID != 11 {
		t.Fatalf("CrashedThread() = %+v, %v; want thread 11", th, ok)
	}

	info.FaultingThread = 7
	if _, ok := info.CrashedThread(); ok {
		t.Error("CrashedThread() should fail for an out of range faultingThread")
	}
}

func TestValidateRejectsOutOfRangeImageIndex(t *testing.T) {
	info := CrashInfo{
		UsedImages:             []UsedImage{{Name: "Demo"}},
		LastExceptionBacktrace: []Frame{{ImageIndex: 0}, {ImageIndex: 3}},
	}
	err := info.Validate()
	if !errors.Is(err, ErrInvalidImageIndex) {
		t.Fatalf("Validate() error = %v, want ErrInvalidImageIndex", err)
	}
	if !strings.Contains(err.Error(), "frame 1") {
		t.Errorf("error should name the offending frame: %v", err)
	}
}

func TestReportSections(t *testing.T) {
	ips, err := Parse(strings.NewReader(sampleIPS))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	general := ips.GeneralInfo()
	for _, want := range []string{"GENERAL INFO", "com.example.demo", "iPhone15,2", "launchd"} {
		if !strings.Contains(general, want) {
			t.Errorf("GeneralInfo() missing %q:\n%s", want, general)
		}
	}

	exc := ips.ExceptionInfo()
	for _, want := range []string{"EXC_CRASH", "SIGABRT", "Exception subtype:   None", "Abort trap: 6"} {
		if !strings.Contains(exc, want) {
			t.Errorf("ExceptionInfo() missing %q:\n%s", want, exc)
		}
	}

	regs := ips.Registers()
	for _, want := range []string{"x0: 0x1\n", "foo\n", "init\n", "pc: 0x1000\n", "flavor: ARM_THREAD_STATE64\n"} {
		if !strings.Contains(regs, want) {
			t.Errorf("Registers() missing %q:\n%s", want, regs)
		}
	}

	ips.Payload.CPUType = "X86-64"
	if got := ips.Registers(); strings.Contains(got, "pc:") {
		t.Errorf("Registers() should be empty for x86_64 reports:\n%s", got)
	}
}
