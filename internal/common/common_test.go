package common

import "testing"

func TestConstantsValues(t *testing.T) {
	if ContentTypeJSON != "application/json" {
		t.Fatalf("ContentTypeJSON = %q", ContentTypeJSON)
	}
	if HeaderAPIKey != "X-API-Key" {
		t.Fatalf("HeaderAPIKey = %q", HeaderAPIKey)
	}
	if PathHealthz != "/healthz" || PathFiles != "/v1/files" || PathRuns != "/v1/runs" {
		t.Fatalf("paths mismatch: %q, %q, %q", PathHealthz, PathFiles, PathRuns)
	}
	if DefaultTaskCapacity <= 0 || DefaultTaskWorkers <= 0 || DefaultNoticeBuffer <= 0 {
		t.Fatalf("defaults should be positive")
	}
	if DriverSQLite != "sqlite" || DriverPostgres != "postgres" {
		t.Fatalf("driver constants mismatch")
	}
	if MinExtractedTextLen <= 0 {
		t.Fatalf("MinExtractedTextLen should be positive")
	}
}

func TestIsSupportedCVExt(t *testing.T) {
	for _, ext := range []string{ExtPDF, ExtDOCX, ExtDOC, ExtRTF, ExtODT, ExtTXT, ".PDF", ".Docx"} {
		if !IsSupportedCVExt(ext) {
			t.Fatalf("%q should be supported", ext)
		}
	}
	for _, ext := range []string{".exe", ".png", "", "pdf"} {
		if IsSupportedCVExt(ext) {
			t.Fatalf("%q should not be supported", ext)
		}
	}
}
