package executor_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/conductor/internal/executor"
	"github.com/CZERTAINLY/conductor/internal/model"
	"github.com/stretchr/testify/require"
)

// shCmd runs its script argument via sh -c, the optional arg0 becomes $0
var shCmd = model.Command{
	Name:       "sh",
	Binary:     "sh",
	Subcommand: []string{"-c"},
	Args: []model.ArgSpec{
		{Name: "script", Kind: model.KindString, Required: true},
		{Name: "arg0", Kind: model.KindString},
	},
}

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
}

func script(s string) executor.Params {
	return executor.Params{
		Args: map[string]model.Value{"script": model.String(s)},
	}
}

func newExecutor(opts ...executor.Option) *executor.Executor {
	return executor.New(executor.Config{
		DefaultTimeout: 10 * time.Second,
		GracePeriod:    200 * time.Millisecond,
		MaxOutputBytes: 1 << 20,
	}, opts...)
}

func TestExecute(t *testing.T) {
	t.Parallel()
	requireSh(t)

	type then struct {
		success  bool
		exitCode int
		stdout   string
		stderr   string
	}
	var testCases = []struct {
		scenario string
		given    string
		then     then
	}{
		{"success", "echo hello", then{true, 0, "hello\n", ""}},
		{"non zero exit", "echo oops 1>&2; exit 3", then{false, 3, "", "oops\n"}},
		{"both streams", "echo out; echo err 1>&2", then{true, 0, "out\n", "err\n"}},
	}

	e := newExecutor()
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			res, err := e.Execute(t.Context(), shCmd, script(tt.given))
			require.NoError(t, err)
			require.Equal(t, tt.then.success, res.Success)
			require.Equal(t, tt.then.exitCode, res.ExitCode)
			require.Equal(t, tt.then.stdout, string(res.Stdout))
			require.Equal(t, tt.then.stderr, string(res.Stderr))
			require.False(t, res.Signaled)
			require.False(t, res.TimedOut)
			require.False(t, res.Truncated)
			require.NotEmpty(t, res.ID)
			require.NotZero(t, res.Started)
			require.Positive(t, res.Duration)
			require.True(t, strings.HasPrefix(res.Command, "sh -c "), res.Command)
		})
	}
}

func TestExecuteTimeout(t *testing.T) {
	t.Parallel()
	requireSh(t)

	e := newExecutor()
	p := script("sleep 30")
	p.Timeout = 100 * time.Millisecond
	start := time.Now()
	res, err := e.Execute(t.Context(), shCmd, p)
	require.NoError(t, err)
	require.Less(t, time.Since(start), 10*time.Second)
	require.False(t, res.Success)
	require.True(t, res.TimedOut)
	require.Equal(t, executor.TimeoutExitCode, res.ExitCode)
	require.GreaterOrEqual(t, res.Duration, 100*time.Millisecond)
	require.Equal(t, 0, e.ActiveProcesses())
}

func TestExecuteTimeoutIgnoringTerm(t *testing.T) {
	t.Parallel()
	requireSh(t)

	e := newExecutor()
	p := script("trap '' TERM; sleep 30 & wait; sleep 30")
	p.Timeout = 100 * time.Millisecond
	res, err := e.Execute(t.Context(), shCmd, p)
	require.NoError(t, err)
	require.True(t, res.TimedOut)
	require.Equal(t, executor.TimeoutExitCode, res.ExitCode)
	require.True(t, res.Signaled)
	require.Equal(t, "SIGKILL", res.Signal)
	// deadline + grace period
	require.GreaterOrEqual(t, res.Duration, 300*time.Millisecond)
	require.Equal(t, 0, e.ActiveProcesses())
}

func TestExecuteSignal(t *testing.T) {
	t.Parallel()
	requireSh(t)

	e := newExecutor()
	res, err := e.Execute(t.Context(), shCmd, script("echo before; kill -9 $$"))
	require.NoError(t, err)
	require.False(t, res.Success)
	require.False(t, res.TimedOut)
	require.True(t, res.Signaled)
	require.Equal(t, "SIGKILL", res.Signal)
	require.NotEqual(t, 0, res.ExitCode)
	require.Equal(t, "before\n", string(res.Stdout))
}

func TestExecuteContextCancel(t *testing.T) {
	t.Parallel()
	requireSh(t)

	e := newExecutor()
	ctx, cancel := context.WithCancel(t.Context())
	time.AfterFunc(100*time.Millisecond, cancel)
	res, err := e.Execute(ctx, shCmd, script("sleep 30"))
	require.NoError(t, err)
	require.False(t, res.Success)
	require.False(t, res.TimedOut)
	require.True(t, res.Signaled)
	require.Equal(t, "SIGTERM", res.Signal)
}

func TestExecuteLeftoverProcess(t *testing.T) {
	t.Parallel()
	requireSh(t)

	var testCases = []struct {
		scenario string
		given    string
	}{
		{"terminated", "sleep 30 & echo hi"},
		{"killed", "trap '' TERM; sleep 30 & echo hi"},
	}
	e := newExecutor()
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			start := time.Now()
			res, err := e.Execute(t.Context(), shCmd, script(tt.given))
			require.NoError(t, err)
			require.Less(t, time.Since(start), 5*time.Second)
			require.True(t, res.Success)
			require.False(t, res.TimedOut)
			require.False(t, res.Signaled)
			require.Equal(t, 0, res.ExitCode)
			require.Equal(t, "hi\n", string(res.Stdout))
		})
	}
	t.Cleanup(func() {
		require.Equal(t, 0, e.ActiveProcesses())
	})
}

func TestExecuteTruncate(t *testing.T) {
	t.Parallel()
	requireSh(t)

	e := executor.New(executor.Config{MaxOutputBytes: 1024})
	res, err := e.Execute(t.Context(), shCmd, script("i=0; while [ $i -lt 2000 ]; do echo line $i; echo err $i 1>&2; i=$((i+1)); done"))
	require.NoError(t, err)
	require.True(t, res.Truncated)
	require.True(t, res.Success)
	require.Equal(t, 0, res.ExitCode)
	require.LessOrEqual(t, len(res.Stdout)+len(res.Stderr), 1024)
	if len(res.Stdout) > 0 {
		require.True(t, strings.HasPrefix(string(res.Stdout), "line 0"))
	}
}

func TestExecuteStdin(t *testing.T) {
	t.Parallel()
	requireSh(t)

	e := newExecutor()
	p := script("tr a-z A-Z")
	p.Stdin = []byte("abc\n")
	res, err := e.Execute(t.Context(), shCmd, p)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "ABC\n", string(res.Stdout))
}

func TestExecuteInputFile(t *testing.T) {
	t.Parallel()
	requireSh(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "input.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b\n1,2\n"), 0o600))

	e := newExecutor()
	p := script(`cat "$0"`)
	p.InputFile = path
	p.Stdin = []byte("ignored")
	res, err := e.Execute(t.Context(), shCmd, p)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "a,b\n1,2\n", string(res.Stdout))
	require.True(t, strings.HasSuffix(res.Command, path), res.Command)

	t.Run("missing", func(t *testing.T) {
		p.InputFile = filepath.Join(dir, "missing.csv")
		_, err := e.Execute(t.Context(), shCmd, p)
		require.ErrorIs(t, err, model.ErrInputFile)
		require.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestExecuteRows(t *testing.T) {
	t.Parallel()
	requireSh(t)

	e := newExecutor()
	res, err := e.Execute(t.Context(), shCmd, script("echo 'processed 1,234 rows' 1>&2"))
	require.NoError(t, err)
	require.NotNil(t, res.Rows)
	require.Equal(t, 1234, *res.Rows)

	res, err = e.Execute(t.Context(), shCmd, script("echo done 1>&2"))
	require.NoError(t, err)
	require.Nil(t, res.Rows)
}

func TestExecuteErrors(t *testing.T) {
	t.Parallel()

	e := newExecutor()
	t.Run("binary not found", func(t *testing.T) {
		cmd := model.Command{Name: "nope", Binary: "does-not-exist-conductor"}
		_, err := e.Execute(t.Context(), cmd, executor.Params{})
		require.ErrorIs(t, err, model.ErrSkillNotFound)
		var execErr *exec.Error
		require.ErrorAs(t, err, &execErr)

		_, err = executor.Resolve(cmd)
		require.ErrorIs(t, err, model.ErrSkillNotFound)
	})
	t.Run("empty descriptor", func(t *testing.T) {
		_, err := e.Execute(t.Context(), model.Command{}, executor.Params{})
		require.ErrorIs(t, err, model.ErrSkillNotFound)
	})
	t.Run("invalid params", func(t *testing.T) {
		_, err := e.Execute(t.Context(), shCmd, executor.Params{})
		require.ErrorIs(t, err, model.ErrInvalidParams)
	})
	require.Equal(t, 0, e.ActiveProcesses())
}

func TestKillAll(t *testing.T) {
	t.Parallel()
	requireSh(t)

	e := newExecutor()
	type result struct {
		res executor.Result
		err error
	}
	var wg sync.WaitGroup
	results := make(chan result, 2)
	for range 2 {
		wg.Go(func() {
			res, err := e.Execute(t.Context(), shCmd, script("sleep 30"))
			results <- result{res, err}
		})
	}
	require.Eventually(t, func() bool {
		return e.ActiveProcesses() == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Len(t, e.Processes(), 2)

	require.NoError(t, e.KillAll())
	wg.Wait()
	close(results)
	for r := range results {
		require.NoError(t, r.err)
		res := r.res
		require.False(t, res.Success)
		require.True(t, res.Signaled)
		require.Equal(t, "SIGKILL", res.Signal)
	}
	require.Equal(t, 0, e.ActiveProcesses())
}

func TestStderrFunc(t *testing.T) {
	t.Parallel()
	requireSh(t)

	var mx sync.Mutex
	var lines []string
	e := newExecutor(executor.WithStderrFunc(func(_ context.Context, line string) {
		mx.Lock()
		defer mx.Unlock()
		lines = append(lines, line)
	}))
	res, err := e.Execute(t.Context(), shCmd, script("printf 'one\\ntwo\\nthree' 1>&2"))
	require.NoError(t, err)
	require.Equal(t, "one\ntwo\nthree", string(res.Stderr))
	require.Equal(t, []string{"one", "two", "three"}, lines)
}

func TestEnv(t *testing.T) {
	t.Parallel()
	requireSh(t)

	e := newExecutor(executor.WithEnv([]string{"CONDUCTOR_TEST=42"}))
	res, err := e.Execute(t.Context(), shCmd, script(`echo "$CONDUCTOR_TEST"`))
	require.NoError(t, err)
	require.Equal(t, "42\n", string(res.Stdout))
}

func TestRender(t *testing.T) {
	t.Parallel()
	p := script("echo 'a b'")
	p.InputFile = "in put.csv"
	argv, err := executor.Render(shCmd, p)
	require.NoError(t, err)
	require.Equal(t, []string{"sh", "-c", "echo 'a b'", "in put.csv"}, argv)

	_, err = executor.Render(shCmd, executor.Params{})
	require.ErrorIs(t, err, model.ErrInvalidParams)
}

func TestResolve(t *testing.T) {
	t.Parallel()
	requireSh(t)

	path, err := executor.Resolve(shCmd)
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(path), path)
}
