package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLStatementsStripsCommentsAndSplits(t *testing.T) {
	script := `-- header comment
CREATE TABLE a (id TEXT);

-- another comment
CREATE INDEX idx_a ON a(id);
`
	stmts := sqlStatements(script)
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (id TEXT)", stmts[0])
	assert.Equal(t, "CREATE INDEX idx_a ON a(id)", stmts[1])
}

func TestListMigrationsOrdersByVersion(t *testing.T) {
	scripts, err := listMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, scripts)

	assert.Equal(t, 1, scripts[0].version)
	assert.Equal(t, "initial_schema", scripts[0].name)
	for i := 1; i < len(scripts); i++ {
		assert.Greater(t, scripts[i].version, scripts[i-1].version)
	}
}
