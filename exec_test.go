package childproc

import (
	"context"
	"io/fs"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExec(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	res, err := Must(Exec("echo hello")).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, "", res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
	assert.True(t, res.Captured(Stdout))
	assert.True(t, res.Captured(Stderr))
	assert.Equal(t, "/bin/sh", res.Process.Command())
	assert.Equal(t, []string{"-c", "echo hello"}, res.Process.Args())
}

func TestExecNonzeroExit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	_, err := Must(Exec("echo out; echo err 1>&2; exit 3")).Wait(ctx)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.Code)
	assert.Equal(t, "out\n", exitErr.Stdout)
	assert.Equal(t, "err\n", exitErr.Stderr)
	assert.Equal(t, "exit status 3 `echo out; echo err 1>&2; exit 3` (exited with error code 3)", err.Error())

	code, ok := ExitCode(err)
	assert.True(t, ok)
	assert.Equal(t, 3, code)
}

func TestExecFileMissingFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "missing")

	_, err := Must(ExecFile("cat", []string{path})).Wait(ctx)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.Code)
	assert.Equal(t, "", exitErr.Stdout)
	assert.Contains(t, exitErr.Stderr, path)
	assert.Contains(t, err.Error(), "`cat "+path+"` (exited with error code 1)")
}

func TestExecFileStartFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nonexistent")

	_, err := Must(ExecFile(path, nil)).Wait(ctx)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, -1, exitErr.Code)
	assert.Contains(t, err.Error(), "(exited with error code -1)")

	var startErr *StartError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, path, startErr.Command)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.Equal(t, 0, startErr.Process.Pid())
}

func TestExecMaxBuffer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	_, err := Must(ExecFile("head", []string{"-c", "10000000", "/dev/zero"}, WithMaxBuffer(1024))).Wait(ctx)

	require.ErrorIs(t, err, ErrMaxBuffer)
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Len(t, exitErr.Stdout, 1024)
	assert.Contains(t, err.Error(), "stdout maxBuffer length exceeded `head -c 10000000 /dev/zero`")
}

func TestExecOptions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	res, err := Must(Exec(`pwd; echo "$GREETING"`, WithDir(dir), WithEnv("GREETING=hi"))).Wait(ctx)
	require.NoError(t, err)

	// the temp dir may be behind a symlink
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Contains(t, []string{dir + "\nhi\n", resolved + "\nhi\n"}, res.Stdout)
}

func TestExecShell(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	res, err := Must(Exec("echo $0", WithShell("sh"))).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sh\n", res.Stdout)
	assert.Equal(t, "sh", res.Process.Command())
}
