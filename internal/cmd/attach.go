package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// detachKey is Ctrl-] as in telnet.
const detachKey = 0x1d

var attachCmd = &cobra.Command{
	Use:     "attach <agent>",
	GroupID: GroupAgents,
	Short:   "Attach this terminal to an agent's terminal",
	Long: `Attach this terminal to an agent's terminal on the server.

Keystrokes go to the agent and its output is shown live, starting with the
buffered backlog. Press Ctrl-] to detach; the agent keeps running.`,
	Args: cobra.ExactArgs(1),
	RunE: runAttach,
}

func init() {
	rootCmd.AddCommand(attachCmd)
}

func runAttach(cmd *cobra.Command, args []string) error {
	ctx, c := contextOrBackground(cmd), newClient()
	id, err := resolveAgentID(ctx, c, args[0])
	if err != nil {
		return err
	}
	conn, err := c.AttachAgent(ctx, id)
	if err != nil {
		return err
	}
	return attach(cmd, conn)
}

// resizeMessage is the control frame announcing the local window size.
type resizeMessage struct {
	Type string `json:"type"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// socketWriter serializes writes to a websocket from the input and resize
// goroutines.
type socketWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *socketWriter) input(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (s *socketWriter) resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return nil
	}
	msg, err := json.Marshal(resizeMessage{Type: "resize", Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, msg)
}

func (s *socketWriter) detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "detach"))
}

// attach bridges the local terminal and conn until the remote terminal
// exits or the user detaches.
func attach(cmd *cobra.Command, conn *websocket.Conn) error {
	defer conn.Close()
	sw := &socketWriter{conn: conn}
	stdin, stdout := cmd.InOrStdin(), cmd.OutOrStdout()

	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd := int(f.Fd())
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("setting raw mode: %w", err)
		}
		defer term.Restore(fd, state)

		if cols, rows, err := term.GetSize(fd); err == nil {
			_ = sw.resize(cols, rows)
		}
		stop := watchResize(fd, sw)
		defer stop()
	}

	detached := make(chan struct{})
	go func() {
		if pumpInput(stdin, sw) {
			close(detached)
			sw.detach()
		}
	}()

	code, err := pumpOutput(conn, stdout)
	select {
	case <-detached:
		fmt.Fprint(stdout, "\r\n[detached]\r\n")
		return nil
	default:
	}
	if err != nil {
		return err
	}
	if code != 0 {
		return &exitError{code: code}
	}
	return nil
}

// pumpInput forwards stdin to the socket. It returns true when the user
// pressed the detach key.
func pumpInput(r io.Reader, sw *socketWriter) bool {
	buf := make([]byte, 1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if i := bytes.IndexByte(chunk, detachKey); i >= 0 {
				if i > 0 {
					_ = sw.input(chunk[:i])
				}
				return true
			}
			if sw.input(chunk) != nil {
				return false
			}
		}
		if err != nil {
			return false
		}
	}
}

// pumpOutput copies terminal output to w until the socket closes and
// returns the remote exit code carried in the close frame.
func pumpOutput(conn *websocket.Conn, w io.Writer) (int, error) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return exitCodeFrom(ce.Text), nil
			}
			return 0, err
		}
		if kind == websocket.BinaryMessage || kind == websocket.TextMessage {
			if _, err := w.Write(data); err != nil {
				return 0, err
			}
		}
	}
}

// exitCodeFrom parses the "exit N" close reason sent when the remote
// process ends.
func exitCodeFrom(reason string) int {
	rest, ok := strings.CutPrefix(reason, "exit ")
	if !ok {
		return 0
	}
	code, err := strconv.Atoi(rest)
	if err != nil {
		return 0
	}
	return code
}
