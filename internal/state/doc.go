// Package state holds the client-side caches (message threads, conversation
// list) and the filesystem-backed stream journal.
package state

import "github.com/user/chatbot/internal/types"

// Compile-time interface compliance checks.
var _ types.Journal = (*FileJournal)(nil)
