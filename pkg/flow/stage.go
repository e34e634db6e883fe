/*
This file is part of btrsync.

Btrsync is free software: you can redistribute it and/or modify it under the terms of the
GNU Lesser General Public License as published by the Free Software Foundation, either
version 3 of the License, or (at your option) any later version.

Btrsync is distributed in the hope that it will be useful, but WITHOUT ANY WARRANTY;
without even the implied warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
See the GNU Lesser General Public License for more details.

You should have received a copy of the GNU Lesser General Public License along with btrsync.
If not, see <https://www.gnu.org/licenses/>.
*/

package flow

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/btrplex/btrsync/pkg/cowcmd"
)

// stderrCapBytes bounds how much of a stage's stderr is retained. Once
// exceeded, the oldest bytes are dropped and Truncated is set.
const stderrCapBytes = 64 * 1024

// runningStage holds everything the Flow needs to wait on and clean up
// after one pipeline stage.
type runningStage struct {
	index      int
	argv       []string
	cmd        *exec.Cmd
	stderr     *ringBuffer
	stderrW    *os.File // parent's copy of the write end; close after Start
	stderrDone chan struct{}
}

func buildStage(index int, c cowcmd.Cmd, stdin, stdout *os.File) (*runningStage, error) {
	if len(c.Argv) == 0 {
		return nil, fmt.Errorf("flow: stage %d has an empty argv", index)
	}
	// Stages are *not* tied to the Run context via exec.CommandContext:
	// that would make Go SIGKILL every stage the instant the context is
	// cancelled, bypassing the SIGTERM-then-grace-period-then-SIGKILL
	// escalation the Flow itself is responsible for (see escalate).
	cmd := exec.Command(c.Argv[0], c.Argv[1:]...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	if len(c.Env) > 0 {
		env := cmd.Environ()
		for k, v := range c.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("flow: stage %d: creating stderr pipe: %w", index, err)
	}
	cmd.Stderr = stderrW

	rs := &runningStage{
		index:      index,
		argv:       append([]string(nil), c.Argv...),
		cmd:        cmd,
		stderr:     newRingBuffer(stderrCapBytes),
		stderrW:    stderrW,
		stderrDone: make(chan struct{}),
	}
	go func() {
		defer close(rs.stderrDone)
		defer stderrR.Close()
		_, _ = rs.stderr.ReadFrom(stderrR)
	}()
	return rs, nil
}

// closeParentStderrWrite drops the parent's reference to the stderr pipe's
// write end once the child has its own dup'd copy, so EOF reaches the
// capture goroutine when the child exits.
func (rs *runningStage) closeParentStderrWrite() {
	_ = rs.stderrW.Close()
}

// waitStderrCaptured blocks until this stage's stderr has been fully
// drained into its ring buffer.
func (rs *runningStage) waitStderrCaptured() {
	<-rs.stderrDone
}
