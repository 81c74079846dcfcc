package guardrail

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRiskLevel_Ordering(t *testing.T) {
	assert.Less(t, RiskLow, RiskMedium)
	assert.Less(t, RiskMedium, RiskHigh)
	assert.Less(t, RiskHigh, RiskCritical)
	assert.False(t, RiskLevel(0).Valid())
	assert.Equal(t, "risk(9)", RiskLevel(9).String())
}

func TestRiskLevel_TextRoundTrip(t *testing.T) {
	for _, name := range []string{"low", "MEDIUM", " high ", "Critical"} {
		level, err := ParseRiskLevel(name)
		require.NoError(t, err, name)
		assert.True(t, level.Valid())
	}

	_, err := ParseRiskLevel("severe")
	assert.Error(t, err)

	data, err := json.Marshal(struct {
		Risk RiskLevel `json:"risk"`
	}{RiskHigh})
	require.NoError(t, err)
	assert.JSONEq(t, `{"risk":"high"}`, string(data))

	_, err = json.Marshal(RiskLevel(0))
	assert.Error(t, err)
}

func TestNormalizeCommand(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"rm  -rf   build", "rm -rf build"},
		{`r\m -'rf' "build"`, "rm -rf build"},
		{"echo `whoami`", "echo whoami"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeCommand(tt.in), tt.in)
	}
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/work/a/b.txt", NormalizePath("a/./b.txt", "/work"))
	assert.Equal(t, "/etc/passwd", NormalizePath("/etc/../etc/passwd", "/work"))
	assert.Equal(t, "/etc", NormalizePath("../../etc", "/work"))
	assert.Equal(t, "../x", NormalizePath("../x", ""))
	assert.Equal(t, "~/.ssh/id_rsa", NormalizePath(`~\.ssh\id_rsa`, "/work"))
	assert.Equal(t, "", NormalizePath("  ", "/work"))
}

func TestPathSubjects(t *testing.T) {
	assert.Equal(t, []string{"notes.md"}, pathSubjects("/usr/src/app/notes.md", "/usr/src/app"))
	assert.Equal(t, []string{"."}, pathSubjects("/usr/src/app", "/usr/src/app/"))
	assert.Equal(t, []string{"/usr/bin/tool", "../../bin/tool"}, pathSubjects("/usr/bin/tool", "/usr/src/app"))
	assert.Equal(t, []string{"/usr/src/application", "../application"}, pathSubjects("/usr/src/application", "/usr/src/app"))
	assert.Equal(t, []string{"/etc/hosts"}, pathSubjects("/etc/hosts", "/"))
	assert.Equal(t, []string{"/etc/hosts"}, pathSubjects("/etc/hosts", ""))
	assert.Equal(t, []string{"~/.ssh/id_rsa"}, pathSubjects("~/.ssh/id_rsa", "/work"))
	assert.Nil(t, pathSubjects("", "/work"))
}

func TestIsReadOnlyCommand(t *testing.T) {
	tests := []struct {
		cmd  string
		want bool
	}{
		{"ls -la", true},
		{"cat README.md", true},
		{"/usr/bin/grep -r foo .", true},
		{"git status", true},
		{"git push", false},
		{"go version", true},
		{"go build ./...", false},
		{"cat a > b", false},
		{"ls; rm -rf /", false},
		{"echo $HOME", false},
		{"make", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsReadOnlyCommand(tt.cmd), tt.cmd)
	}
}
