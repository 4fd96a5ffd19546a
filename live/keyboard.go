package live

import (
	"bufio"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

const ctrlC = 0x03

// WatchQuit returns a channel closed once the user presses q. On a terminal
// stdin is put into raw mode so a single key press is enough; otherwise a line
// reading "q" is required. restore must be called before the process exits.
func WatchQuit(in *os.File) (quit <-chan struct{}, restore func()) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return watchLines(in), func() {}
	}

	state, err := term.MakeRaw(fd)
	if err != nil {
		return watchLines(in), func() {}
	}
	var once sync.Once
	return watchKeys(in), func() {
		once.Do(func() { term.Restore(fd, state) })
	}
}

func watchKeys(r io.Reader) <-chan struct{} {
	quit := make(chan struct{})
	go func() {
		defer close(quit)
		buf := make([]byte, 1)
		for {
			if _, err := r.Read(buf); err != nil {
				return
			}
			switch buf[0] {
			case 'q', 'Q', ctrlC:
				return
			}
		}
	}()
	return quit
}

func watchLines(r io.Reader) <-chan struct{} {
	quit := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			if strings.EqualFold(strings.TrimSpace(scanner.Text()), "q") {
				close(quit)
				return
			}
		}
	}()
	return quit
}
