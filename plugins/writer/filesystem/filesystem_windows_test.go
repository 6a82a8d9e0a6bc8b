//go:build windows

package filesystem

import (
	"errors"
	"testing"

	"llmkvt/pkg/contract"
)

// TestMapPathAbsWindows 有 Root 时拒绝带卷名路径
func TestMapPathAbsWindows(t *testing.T) {
	w := New(&Options{Root: t.TempDir()})
	if _, err := w.mapPath(`C:\abs`); !errors.Is(err, contract.ErrPathInvalid) {
		t.Fatalf(`C:\abs expect invalid, got %v`, err)
	}
}
