package storage

// WrapJournal swaps the open journal for one built by wrap, so tests can
// fail writes part way through
func WrapJournal(f *FileBackend, wrap func(w JournalFile) JournalFile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.journal = wrap(f.journal)
}

type JournalFile = journalFile
