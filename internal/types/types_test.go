package types_test

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"tangled.org/solarpunk.net/dtnbundle/internal/types"
)

// ====================================================================================
// CONSTANT VALIDATION TESTS
// ====================================================================================

func TestConstants(t *testing.T) {
	t.Run("FileNamesDistinct", func(t *testing.T) {
		names := []string{
			types.CONFIG_FILE,
			types.KEY_FILE,
			types.PUBKEY_FILE,
			types.SNAPSHOT_FILE,
			types.JOURNAL_FILE,
			types.SQLITE_FILE,
			types.LOCK_FILE,
		}

		seen := make(map[string]bool)
		for _, name := range names {
			if name == "" {
				t.Error("file name should not be empty")
			}
			if filepath.Base(name) != name {
				t.Errorf("%q should be a bare file name", name)
			}
			if seen[name] {
				t.Errorf("duplicate file name %q", name)
			}
			seen[name] = true
		}
	})

	t.Run("SnapshotCompressed", func(t *testing.T) {
		if !strings.HasSuffix(types.SNAPSHOT_FILE, ".zst") {
			t.Errorf("SNAPSHOT_FILE = %s, want .zst suffix", types.SNAPSHOT_FILE)
		}
	})

	t.Run("StoreVersion", func(t *testing.T) {
		if types.STORE_VERSION != "1.0" {
			t.Errorf("STORE_VERSION = %s, want 1.0", types.STORE_VERSION)
		}
	})
}

// ====================================================================================
// LOGGER INTERFACE COMPLIANCE TESTS
// ====================================================================================

func TestLoggerInterface(t *testing.T) {
	t.Run("BuiltinLoggers", func(t *testing.T) {
		var _ types.Logger = types.DefaultLogger{}
		var _ types.Logger = types.NopLogger{}

		types.NopLogger{}.Printf("test %s", "ignored")
		types.NopLogger{}.Println("also", "ignored")
	})

	t.Run("OrDefault", func(t *testing.T) {
		if _, ok := types.OrDefault(nil).(types.DefaultLogger); !ok {
			t.Error("OrDefault(nil) should return DefaultLogger")
		}

		buf := &bytes.Buffer{}
		custom := &bufferedLogger{buf: buf}
		if types.OrDefault(custom) != custom {
			t.Error("OrDefault should keep a non-nil logger")
		}
	})

	t.Run("BufferedLoggerImplementation", func(t *testing.T) {
		buf := &bytes.Buffer{}
		var logger types.Logger = &bufferedLogger{buf: buf}

		logger.Printf("[TTL] swept %d bundles", 3)
		logger.Println("[Cache]", "evicted")

		output := buf.String()
		if !strings.Contains(output, "[TTL] swept 3 bundles") {
			t.Error("Printf output not captured")
		}
		if !strings.Contains(output, "[Cache] evicted") {
			t.Error("Println output not captured")
		}
	})
}

// ====================================================================================
// HELPER IMPLEMENTATIONS
// ====================================================================================

type bufferedLogger struct {
	buf *bytes.Buffer
}

func (l *bufferedLogger) Printf(format string, v ...interface{}) {
	fmt.Fprintf(l.buf, format+"\n", v...)
}

func (l *bufferedLogger) Println(v ...interface{}) {
	fmt.Fprintln(l.buf, v...)
}
