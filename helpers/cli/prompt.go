package cli

import (
	"bufio"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/c-bata/go-prompt"
	"github.com/mattn/go-isatty"
)

// MainLoop feeds lines to exec until input ends.
// Interactive prompt with completion on tty, plain line reader otherwise.
// stop is called once on signal or end of input.
func MainLoop(tag string, exec func(line string), complete func(d prompt.Document) []prompt.Suggest, stop func()) {
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	defer signal.Stop(signalCh)
	go func() {
		if _, ok := <-signalCh; ok {
			stop()
			os.Exit(1)
		}
	}()

	if isatty.IsTerminal(os.Stdin.Fd()) {
		prompt.New(exec, complete,
			prompt.OptionTitle(tag),
			prompt.OptionPrefix(tag+"> "),
		).Run()
	} else {
		ReadLines(os.Stdin, exec)
	}
	stop()
}

// ReadLines calls exec for every non-empty trimmed line of r.
func ReadLines(r io.Reader, exec func(line string)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			exec(line)
		}
	}
}
