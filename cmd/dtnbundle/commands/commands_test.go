package commands_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"tangled.org/solarpunk.net/dtnbundle/cmd/dtnbundle/commands"
	"tangled.org/solarpunk.net/dtnbundle/dtn"
)

// run executes the CLI against dir and returns stdout
func run(t *testing.T, dir, stdin string, args ...string) (string, error) {
	t.Helper()
	root := commands.NewRootCommand()

	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--dir", dir}, args...))

	err := root.Execute()
	if errOut.Len() > 0 {
		t.Logf("stderr: %s", errOut.String())
	}
	return out.String(), err
}

func mustRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := run(t, dir, "", args...)
	if err != nil {
		t.Fatalf("%v failed: %v", args, err)
	}
	return out
}

// ====================================================================================
// COMMAND TESTS
// ====================================================================================

func TestVersionCommand(t *testing.T) {
	out := mustRun(t, t.TempDir(), "version")
	if !strings.HasPrefix(out, "dtnbundle version ") {
		t.Errorf("output = %q", out)
	}

	var bi map[string]string
	if err := json.Unmarshal([]byte(mustRun(t, t.TempDir(), "version", "--json")), &bi); err != nil {
		t.Fatal(err)
	}
	if bi["version"] == "" || bi["go"] == "" {
		t.Errorf("version json = %v", bi)
	}
}

func TestIdentityCommand(t *testing.T) {
	dir := t.TempDir()

	var first, second map[string]string
	json.Unmarshal([]byte(mustRun(t, dir, "identity", "--json")), &first)
	json.Unmarshal([]byte(mustRun(t, dir, "identity", "--json")), &second)

	if first["fingerprint"] == "" || len(first["public_key"]) != 64 {
		t.Fatalf("identity = %v", first)
	}
	if first["fingerprint"] != second["fingerprint"] {
		t.Error("identity changed between invocations")
	}

	plain := mustRun(t, dir, "identity")
	if !strings.Contains(plain, first["fingerprint"]) {
		t.Errorf("plain output = %q", plain)
	}
}

func TestCreateListGet(t *testing.T) {
	dir := t.TempDir()

	var rec dtn.Record
	out := mustRun(t, dir, "create", "--topic", "water", "--text", "well 3 is dry",
		"--priority", "emergency", "--tag", "well", "--tag", "north")
	if err := json.Unmarshal([]byte(out), &rec); err != nil {
		t.Fatalf("create output not JSON: %v\n%s", err, out)
	}
	if rec.Queue != dtn.QueueOutbox || rec.Bundle.Priority != dtn.PriorityEmergency || len(rec.Bundle.Tags) != 2 {
		t.Errorf("record = %+v", rec)
	}

	t.Run("FromStdin", func(t *testing.T) {
		out, err := run(t, dir, "from stdin", "--quiet", "create", "--topic", "garden")
		if err != nil {
			t.Fatal(err)
		}
		if id := strings.TrimSpace(out); len(id) != 64 {
			t.Errorf("quiet create printed %q, want bare id", out)
		}
	})

	t.Run("LsJSONL", func(t *testing.T) {
		// output is a buffer, not a terminal
		out := mustRun(t, dir, "ls")
		lines := strings.Split(strings.TrimSpace(out), "\n")
		if len(lines) != 2 {
			t.Fatalf("ls printed %d lines", len(lines))
		}
		for _, line := range lines {
			var r dtn.Record
			if err := json.Unmarshal([]byte(line), &r); err != nil {
				t.Errorf("line not JSON: %q", line)
			}
		}
	})

	t.Run("LsFilters", func(t *testing.T) {
		out := mustRun(t, dir, "ls", "--priority", "emergency")
		if n := strings.Count(out, "\n"); n != 1 {
			t.Errorf("priority filter: %d lines", n)
		}
		out = mustRun(t, dir, "ls", "--queue", "pending")
		if out != "" {
			t.Errorf("pending should be empty, got %q", out)
		}
		out = mustRun(t, dir, "ls", "--tag", "north")
		if !strings.Contains(out, rec.ID()) {
			t.Error("tag filter missed the bundle")
		}
	})

	t.Run("LsInvalid", func(t *testing.T) {
		if _, err := run(t, dir, "", "ls", "--queue", "attic"); err == nil {
			t.Error("expected error for unknown queue")
		}
	})

	t.Run("Get", func(t *testing.T) {
		var got dtn.Record
		json.Unmarshal([]byte(mustRun(t, dir, "get", rec.ID())), &got)
		if got.Bundle.Topic != "water" {
			t.Errorf("get = %+v", got)
		}

		payload := mustRun(t, dir, "get", rec.ID(), "--payload")
		if payload != "well 3 is dry" {
			t.Errorf("payload = %q", payload)
		}

		if _, err := run(t, dir, "", "get", strings.Repeat("f", 64)); err == nil {
			t.Error("expected error for unknown id")
		}
	})
}

func TestCreateValidation(t *testing.T) {
	dir := t.TempDir()

	cases := map[string][]string{
		"NoTopic":     {"create", "--text", "x"},
		"BadPriority": {"create", "--topic", "t", "--text", "x", "--priority", "urgent"},
		"BadAudience": {"create", "--topic", "t", "--text", "x", "--audience", "everyone"},
		"TextAndFile": {"create", "--topic", "t", "--text", "x", "--file", "y"},
		"MissingFile": {"create", "--topic", "t", "--file", dir + "/absent"},
		"NegativeTTL": {"create", "--topic", "t", "--text", "x", "--ttl=-1s"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := run(t, dir, "", args...); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestStatusAndSweep(t *testing.T) {
	dir := t.TempDir()
	mustRun(t, dir, "create", "--topic", "a", "--text", "1")

	t.Run("StatusJSON", func(t *testing.T) {
		var st struct {
			BundleCount int            `json:"bundle_count"`
			Queues      map[string]int `json:"queues"`
		}
		if err := json.Unmarshal([]byte(mustRun(t, dir, "status", "--json")), &st); err != nil {
			t.Fatal(err)
		}
		if st.BundleCount != 1 || st.Queues["outbox"] != 1 {
			t.Errorf("status = %+v", st)
		}
	})

	t.Run("StatusText", func(t *testing.T) {
		out := mustRun(t, dir, "status")
		for _, want := range []string{"Node Status", "outbox", "Storage", "(none configured)"} {
			if !strings.Contains(out, want) {
				t.Errorf("status missing %q", want)
			}
		}
	})

	t.Run("Sweep", func(t *testing.T) {
		out := mustRun(t, dir, "sweep")
		if !strings.Contains(out, "expired 0") || !strings.Contains(out, "evicted 0") {
			t.Errorf("sweep output = %q", out)
		}
	})

	t.Run("SyncWithoutPeers", func(t *testing.T) {
		if _, err := run(t, dir, "", "sync"); err == nil {
			t.Error("expected error without peers")
		}
	})
}
