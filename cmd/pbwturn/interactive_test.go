package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/pbwturn/internal/confirm"
)

func answered(t *testing.T, r *confirm.Request) bool {
	t.Helper()
	require.True(t, r.Answered())
	ok, err := r.Wait(context.Background())
	require.NoError(t, err)
	return ok
}

func TestPrompterAnswersOpenQuestion(t *testing.T) {
	var out bytes.Buffer
	p := &prompter{out: &out}

	p.line("y") // nothing open yet
	r := confirm.NewRequest(confirm.KindDelete, "eoe", "Delete 2 files?", []string{"eoe20.zip", "alice.plr"})
	p.ask(r)
	assert.Contains(t, out.String(), "Delete 2 files?")
	assert.Contains(t, out.String(), "  - eoe20.zip")
	assert.False(t, r.Answered())

	p.line("maybe")
	assert.False(t, r.Answered())
	assert.Contains(t, out.String(), "please answer y or n")

	p.line(" Yes ")
	assert.True(t, answered(t, r))
}

func TestPrompterClosedStdinDeclinesOpenQuestion(t *testing.T) {
	p := &prompter{out: &bytes.Buffer{}}
	r := confirm.NewRequest(confirm.KindUpload, "eoe", "Upload turn 21?", nil)
	p.ask(r)
	p.closed()
	assert.False(t, answered(t, r))
}

func TestPrompterClosedStdinDeclinesLaterQuestions(t *testing.T) {
	var out bytes.Buffer
	p := &prompter{out: &out}
	p.closed()

	for _, kind := range []confirm.Kind{confirm.KindDelete, confirm.KindUpload} {
		r := confirm.NewRequest(kind, "eoe", "Proceed?", nil)
		p.ask(r)
		assert.False(t, answered(t, r))
	}
	assert.Contains(t, out.String(), "stdin closed, declining")
}

func TestParseAnswer(t *testing.T) {
	tests := []struct {
		in            string
		answer, valid bool
	}{
		{"y", true, true},
		{"YES", true, true},
		{"n", false, true},
		{" no ", false, true},
		{"", false, false},
		{"sure", false, false},
	}
	for _, tt := range tests {
		answer, valid := parseAnswer(tt.in)
		assert.Equal(t, tt.answer, answer, tt.in)
		assert.Equal(t, tt.valid, valid, tt.in)
	}
}
