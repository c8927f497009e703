package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFixture(t *testing.T, dir, dataset, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, dataset), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, dataset, name), []byte(content), 0o644))
}

const ticketsCSV = `id,subject,priority,total,opened_at,escalated
1,login broken,high,10.50,2024-01-02,true
2,slow dashboard,low,3,2024-01-03,false
3,billing question,medium,7.25,2024-01-04,false
4,crash on save,high,1,2024-01-05,true
`

func loadFixture(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	writeFixture(t, dir, "support", "tickets.csv", ticketsCSV)
	writeFixture(t, dir, "support", "agents.csv", "agent_id,name\n1,ada\n2,grace\n")
	writeFixture(t, dir, "ecommerce", "orders.csv", "id,total\n1,9.99\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "registry.json"),
		[]byte(`{"datasets":[{"id":"support","name":"Support Tickets","example_prompts":["how many tickets?"]}]}`), 0o644))

	r, err := Load(dir)
	require.NoError(t, err)
	return r
}

func TestLoad_DatasetsAndManifest(t *testing.T) {
	r := loadFixture(t)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "ecommerce", list[0].ID)
	assert.Equal(t, "support", list[1].ID)
	assert.Equal(t, "Support Tickets", list[1].Name)
	assert.Equal(t, []string{"how many tickets?"}, list[1].ExamplePrompts)

	assert.Nil(t, r.Get("nope"))
	require.NotNil(t, r.Get("support"))
	assert.Len(t, r.Get("support").Files, 2)
}

func TestSchemaInference(t *testing.T) {
	r := loadFixture(t)
	ds := r.Get("support")
	require.NotNil(t, ds)

	for _, f := range ds.Files {
		if f.Name != "tickets.csv" {
			continue
		}
		types := map[string]string{}
		for _, c := range f.Schema {
			types[c.Column] = c.Type
		}
		assert.Equal(t, "integer", types["id"])
		assert.Equal(t, "string", types["subject"])
		assert.Equal(t, "float", types["total"])
		assert.Equal(t, "date", types["opened_at"])
		assert.Equal(t, "boolean", types["escalated"])
		return
	}
	t.Fatal("tickets.csv not found")
}

func TestVersionHash_StableAndSensitive(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "d", "a.csv", "x\n1\n")
	r1, err := Load(dir)
	require.NoError(t, err)
	r2, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, r1.Get("d").VersionHash, r2.Get("d").VersionHash)

	writeFixture(t, dir, "d", "a.csv", "x\n2\n")
	r3, err := Load(dir)
	require.NoError(t, err)
	assert.NotEqual(t, r1.Get("d").VersionHash, r3.Get("d").VersionHash)
}

func TestRunnerFiles_SandboxPaths(t *testing.T) {
	r := loadFixture(t)
	files := r.RunnerFiles("support")
	require.Len(t, files, 2)
	assert.Equal(t, "agents.csv", files[0].Name)
	assert.Equal(t, "/data/support/agents.csv", files[0].Path)
}

func TestSampleRows(t *testing.T) {
	r := loadFixture(t)
	rows, err := r.SampleRows("support", "tickets.csv", 3)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "login broken", rows[0][1])

	_, err = r.SampleRows("support", "ghost.csv", 3)
	assert.Error(t, err)
	_, err = r.SampleRows("ghost", "tickets.csv", 3)
	assert.Error(t, err)
}

func TestSchemaSummary(t *testing.T) {
	r := loadFixture(t)
	s := r.SchemaSummary("support")
	assert.Contains(t, s, "table tickets:")
	assert.Contains(t, s, "table agents:")
	assert.Contains(t, s, "priority (string)")
}
