package types

import "log"

// Logger is a simple logging interface used throughout dtnbundle
type Logger interface {
	Printf(format string, v ...interface{})
	Println(v ...interface{})
}

const (
	// CONFIG_FILE is the default config filename inside the data directory
	CONFIG_FILE = "dtnbundle.yaml"

	// KEY_FILE and PUBKEY_FILE hold the node's Ed25519 keypair
	KEY_FILE    = "node-key"
	PUBKEY_FILE = "node-key.pub"

	// SNAPSHOT_FILE is the zstd-compressed store snapshot
	SNAPSHOT_FILE = "queue_store.jsonl.zst"

	// JOURNAL_FILE is the append-only mutation journal
	JOURNAL_FILE = "queue_journal.jsonl"

	// SQLITE_FILE is the database used by the sqlite backend
	SQLITE_FILE = "queue_store.db"

	// LOCK_FILE guards the data directory against a second process
	LOCK_FILE = ".lock"

	// STORE_VERSION is the current on-disk record format version
	STORE_VERSION = "1.0"
)

// DefaultLogger writes to the standard library logger
type DefaultLogger struct{}

func (DefaultLogger) Printf(format string, v ...interface{}) {
	log.Printf(format, v...)
}

func (DefaultLogger) Println(v ...interface{}) {
	log.Println(v...)
}

// NopLogger discards everything
type NopLogger struct{}

func (NopLogger) Printf(format string, v ...interface{}) {}
func (NopLogger) Println(v ...interface{})               {}

// OrDefault returns l, or a DefaultLogger when l is nil
func OrDefault(l Logger) Logger {
	if l == nil {
		return DefaultLogger{}
	}
	return l
}
