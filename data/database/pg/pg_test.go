package pg

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeDSN(t *testing.T) {
	assert.Equal(t, "postgresql://u:p@h/db", normalizeDSN(" postgresql+asyncpg://u:p@h/db "))
	assert.Equal(t, "postgresql://u@h/db", normalizeDSN("postgres+pgx://u@h/db"))
	assert.Equal(t, "postgres://u@h/db", normalizeDSN("postgres://u@h/db"))
}

func TestSchemaEmbedded(t *testing.T) {
	for _, table := range []string{"profiles", "conversations", "conversation_members", "messages"} {
		assert.True(t, strings.Contains(schema, "CREATE TABLE IF NOT EXISTS "+table+" "), table)
	}
	assert.Contains(t, schema, "status          text NOT NULL DEFAULT 'sent'")
}
