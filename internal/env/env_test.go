package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeOverlayWins(t *testing.T) {
	e := New().WithBase([]string{"PATH=/usr/bin", "N8N_PORT=1111", "HOME=/root"})
	out := e.Merge(
		Var{"N8N_PORT": "5678", "N8N_USER_FOLDER": "${HOME}/n8n"},
		Var{"N8N_PORT": "5679"},
	)
	got := Parse(out)
	assert.Equal(t, "5679", got["N8N_PORT"], "later overlay must win")
	assert.Equal(t, "/usr/bin", got["PATH"], "inherited keys must survive")
	assert.Equal(t, "/root/n8n", got["N8N_USER_FOLDER"])
}

func TestMergeSkipsMalformedKeys(t *testing.T) {
	e := New().WithBase(nil)
	out := e.Merge(Var{"": "x", "A=B": "y", "OK": "1"})
	assert.Equal(t, []string{"OK=1"}, out)
}

func TestParse(t *testing.T) {
	m := Parse([]string{"A=1", "=bad", "B=x=y", "noeq"})
	assert.Equal(t, Var{"A": "1", "B": "x=y"}, m)
}
