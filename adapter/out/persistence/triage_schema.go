package persistence

import _ "embed"

// DefaultMailbox keys the cursor and records when a single mailbox is served.
const DefaultMailbox = "default"

//go:embed schema/sqlite.sql
var sqliteSchema string

//go:embed schema/postgres.sql
var postgresSchema string

func mailboxOrDefault(mailbox string) string {
	if mailbox == "" {
		return DefaultMailbox
	}
	return mailbox
}
