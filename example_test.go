package childproc_test

import (
	"context"
	"fmt"

	"github.com/guseggert/childproc"
)

func ExampleExec() {
	res, err := childproc.Must(childproc.Exec("echo hello")).Wait(context.Background())
	if err != nil {
		panic(err)
	}
	fmt.Print(res.Stdout)
	// Output: hello
}

func ExampleSpawn() {
	f := childproc.Must(childproc.Spawn("sh", []string{"-c", "echo one; echo two"}))
	f.Progress(func(p *childproc.Process) {
		p.Stdout().Listen(func(b []byte) {
			fmt.Printf("chunk: %q\n", b)
		})
	})
	res, err := f.Wait(context.Background())
	if err != nil {
		panic(err)
	}
	fmt.Println("exit code", res.ExitCode)
}

func ExampleSpawn_failure() {
	_, err := childproc.Must(childproc.Spawn("sh", []string{"-c", "exit 2"})).Wait(context.Background())
	fmt.Println(err)
	code, _ := childproc.ExitCode(err)
	fmt.Println(code)
	// Output:
	// `sh -c exit 2` failed with code 2
	// 2
}
