// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build !windows

package main

import (
	"golang.org/x/sys/unix"

	"github.com/pkg/errors"
	"github.com/pkg/term/termios"
)

// rawTerminal holds the termios state stdin had before the driver switched
// it to raw mode, so Restore can put it back exactly once no matter how
// many exit paths call it.
type rawTerminal struct {
	saved    unix.Termios
	restored bool
}

// openRawTerminal reconfigures stdin for the guest read_line intrinsic,
// which reads one byte at a time and does its own echo, backspace and
// CTRL-D handling (readLineRaw in main.go). That dictates the settings:
// canonical line buffering and terminal echo go away, reads block for
// exactly one byte, but ISIG is left alone so CTRL-C still interrupts a
// runaway guest program, and output processing is untouched so ordinary
// prints keep translating newlines.
func openRawTerminal() (*rawTerminal, error) {
	t := &rawTerminal{}
	saved, err := termios.Tcgetattr(0)
	if err != nil {
		return nil, errors.Wrap(err, "Tcgetattr failed")
	}
	t.saved = *saved
	raw := t.saved
	raw.Lflag &^= unix.ICANON | unix.ECHO
	raw.Iflag &^= unix.IXON | unix.IXOFF // free CTRL-S/CTRL-Q for guest input
	raw.Cc[unix.VMIN] = 1                // block until one byte is available
	raw.Cc[unix.VTIME] = 0
	if err := termios.Tcsetattr(0, termios.TCSANOW, &raw); err != nil {
		termios.Tcsetattr(0, termios.TCSANOW, &t.saved)
		return nil, errors.Wrap(err, "Tcsetattr failed")
	}
	return t, nil
}

// Restore puts stdin back the way openRawTerminal found it. Safe to call
// more than once; only the first call touches the terminal.
func (t *rawTerminal) Restore() {
	if t == nil || t.restored {
		return
	}
	t.restored = true
	termios.Tcsetattr(0, termios.TCSANOW, &t.saved)
}
