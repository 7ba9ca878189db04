package adapter

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fmtd/fmtd/engine/core"
	"github.com/fmtd/fmtd/engine/profile"
	"github.com/fmtd/fmtd/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testExecConfig() config.ExecConfig {
	return config.ExecConfig{
		Timeout:   5 * time.Second,
		KillGrace: time.Second,
		MaxStdout: 1 << 20,
		MaxStderr: 1 << 20,
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "formatter")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func stdinProfile(t *testing.T, body string) *profile.Profile {
	t.Helper()
	return &profile.Profile{
		ID:       "fake-stdin",
		Language: "fake",
		Binary:   writeScript(t, body),
		Mode:     profile.ModeStdin,
	}
}

func TestInvoke(t *testing.T) {
	t.Run("Should pipe stdin through and capture stdout", func(t *testing.T) {
		a := New(testExecConfig())
		p := stdinProfile(t, "#!/bin/sh\ntr -d ' '\n")

		result, err := a.Invoke(t.Context(), Invocation{Profile: p, Input: []byte("a b c")})

		require.NoError(t, err)
		assert.Equal(t, "abc", string(result.Output))
		assert.Equal(t, 0, result.ExitCode)
		assert.Positive(t, result.Duration)
	})

	t.Run("Should classify non-zero exit as FormattingError with stderr verbatim", func(t *testing.T) {
		a := New(testExecConfig())
		p := stdinProfile(t, "#!/bin/sh\necho 'SyntaxError: unexpected token' >&2\nexit 2\n")

		result, err := a.Invoke(t.Context(), Invocation{Profile: p, Input: []byte("const x=")})

		require.Error(t, err)
		assert.True(t, core.IsCode(err, core.CodeFormattingFailed))
		assert.Equal(t, 2, result.ExitCode)
		assert.Contains(t, result.Stderr, "SyntaxError")
	})

	t.Run("Should enforce the wall-clock timeout and reap the process", func(t *testing.T) {
		cfg := testExecConfig()
		cfg.Timeout = 200 * time.Millisecond
		a := New(cfg)
		p := stdinProfile(t, "#!/bin/sh\nsleep 30\n")

		start := time.Now()
		_, err := a.Invoke(t.Context(), Invocation{Profile: p, Input: []byte("x")})
		elapsed := time.Since(start)

		require.Error(t, err)
		assert.True(t, core.IsCode(err, core.CodeTimedOut))
		assert.Less(t, elapsed, 5*time.Second, "timeout must not hang")
	})

	t.Run("Should classify a missing binary as AdapterConfigurationError", func(t *testing.T) {
		a := New(testExecConfig())
		p := &profile.Profile{
			ID:     "broken",
			Binary: filepath.Join(t.TempDir(), "does-not-exist"),
			Mode:   profile.ModeStdin,
		}

		_, err := a.Invoke(t.Context(), Invocation{Profile: p, Input: []byte("x")})

		require.Error(t, err)
		assert.True(t, core.IsCode(err, core.CodeAdapterConfig))
	})

	t.Run("Should read file-mode output back from the rewritten target", func(t *testing.T) {
		a := New(testExecConfig())
		target := filepath.Join(t.TempDir(), "input.txt")
		require.NoError(t, os.WriteFile(target, []byte("a b c"), 0o644))
		// Rewrites the target in place, like prettier --write.
		script := writeScript(t, "#!/bin/sh\ntr -d ' ' < \"$1\" > \"$1.tmp\" && mv \"$1.tmp\" \"$1\"\n")
		p := &profile.Profile{ID: "fake-file", Binary: script, Mode: profile.ModeFile}

		result, err := a.Invoke(t.Context(), Invocation{Profile: p, TargetPath: target})

		require.NoError(t, err)
		assert.Equal(t, "abc", string(result.Output))
	})

	t.Run("Should prefer the profile timeout override", func(t *testing.T) {
		a := New(testExecConfig())
		p := &profile.Profile{Timeout: time.Second}
		assert.Equal(t, time.Second, a.Timeout(p))
		assert.Equal(t, 5*time.Second, a.Timeout(&profile.Profile{}))
	})

	t.Run("Should be idempotent for already formatted input", func(t *testing.T) {
		a := New(testExecConfig())
		p := stdinProfile(t, "#!/bin/sh\ntr -d ' '\n")

		first, err := a.Invoke(t.Context(), Invocation{Profile: p, Input: []byte("a b")})
		require.NoError(t, err)
		second, err := a.Invoke(t.Context(), Invocation{Profile: p, Input: first.Output})
		require.NoError(t, err)

		assert.Equal(t, first.Output, second.Output)
	})
}

func TestLimitedBuffer(t *testing.T) {
	t.Run("Should truncate past the limit while counting all writes", func(t *testing.T) {
		buf := newLimitedBuffer(4)

		n, err := buf.Write([]byte("abcdef"))

		require.NoError(t, err)
		assert.Equal(t, 6, n)
		assert.Equal(t, "abcd", buf.String())
		assert.True(t, buf.Truncated())
		assert.Equal(t, int64(6), buf.Written())
	})

	t.Run("Should pass everything through with no limit", func(t *testing.T) {
		buf := newLimitedBuffer(0)
		_, err := buf.Write([]byte("abcdef"))
		require.NoError(t, err)
		assert.Equal(t, "abcdef", buf.String())
		assert.False(t, buf.Truncated())
	})
}
