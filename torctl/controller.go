// Package torctl implements a client for the Tor control-port protocol. It
// covers the small command surface the egress pool needs: authenticating to a
// running tor process, asking it to rebuild circuits (SIGNAL NEWNYM),
// reloading its configuration in place (SIGNAL RELOAD), and querying runtime
// info (GETINFO).
package torctl

import (
	"errors"
	"fmt"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	// success is the Tor control-port response code representing a
	// successful request.
	success = 250

	// unrecognizedEntity is returned for a GETINFO key the server does
	// not know.
	unrecognizedEntity = 552
)

// SignalNewnym asks tor to switch to clean circuits, so new application
// requests don't share any circuits with old ones.
const SignalNewnym = "NEWNYM"

// SignalReload asks tor to reload its configuration file, picking up torrc
// changes without a process restart.
const SignalReload = "RELOAD"

var (
	// errCtrlNotStarted is returned when the controller is used before
	// Start has succeeded.
	errCtrlNotStarted = errors.New("controller not started")

	// errCtrlStopped is returned when the controller is used after Stop.
	errCtrlStopped = errors.New("controller stopped")

	// errCodeNotMatch is returned when the response code from the control
	// port does not match the expected one.
	errCodeNotMatch = errors.New("unexpected code")
)

// Controller is a client to a tor process' control port. It is safe for
// concurrent use; commands are serialized over the single control
// connection.
type Controller struct {
	// started is set to 1 once the controller has connected and
	// authenticated. Must be used atomically.
	started int32

	// stopped is set to 1 once the controller has been shut down. Must be
	// used atomically.
	stopped int32

	// conn is the connection between the controller and the tor server.
	conn *textproto.Conn

	// controlAddr is the address the tor process listens on for control
	// connections.
	controlAddr string

	// password authenticates the control connection when the server
	// requires HASHEDPASSWORD auth. Empty means null auth only.
	password string

	// version is the tor server's version, as reported by PROTOCOLINFO.
	version string

	// sendMtx serializes command/response cycles on the connection.
	sendMtx sync.Mutex
}

// NewController returns a controller for the tor process listening on the
// given control address.
func NewController(controlAddr, password string) *Controller {
	return &Controller{
		controlAddr: controlAddr,
		password:    password,
	}
}

// Start connects to the control port and authenticates the connection. It
// must be called before any command is issued.
func (c *Controller) Start() error {
	if atomic.LoadInt32(&c.stopped) == 1 {
		return errCtrlStopped
	}
	if !atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		return nil
	}

	conn, err := textproto.Dial("tcp", c.controlAddr)
	if err != nil {
		atomic.StoreInt32(&c.started, 0)
		return fmt.Errorf("unable to connect to control port "+
			"%v: %w", c.controlAddr, err)
	}
	c.conn = conn

	if err := c.authenticate(); err != nil {
		conn.Close()
		atomic.StoreInt32(&c.started, 0)
		return err
	}

	log.Debugf("Authenticated to tor control port %v, version=%v",
		c.controlAddr, c.version)

	return nil
}

// Stop sends QUIT and closes the control connection. The controller cannot
// be restarted afterwards.
func (c *Controller) Stop() error {
	if atomic.LoadInt32(&c.started) != 1 {
		return errCtrlNotStarted
	}
	if !atomic.CompareAndSwapInt32(&c.stopped, 0, 1) {
		return nil
	}

	// Tor closes the connection on its side after replying to QUIT, so
	// any error sending it is not worth surfacing.
	_, _, _ = c.sendCommand("QUIT")

	return c.conn.Close()
}

// Reconnect tears down the current control connection and establishes a
// fresh, authenticated one. Used after the tor process has been restarted.
func (c *Controller) Reconnect() error {
	if atomic.LoadInt32(&c.started) != 1 {
		return errCtrlNotStarted
	}
	if atomic.LoadInt32(&c.stopped) == 1 {
		return errCtrlStopped
	}

	c.sendMtx.Lock()
	defer c.sendMtx.Unlock()

	log.Infof("Re-establishing connection to tor control port %v",
		c.controlAddr)

	// The old connection is likely already dead; closing may fail and
	// that's fine.
	if c.conn != nil {
		_ = c.conn.Close()
	}

	conn, err := textproto.Dial("tcp", c.controlAddr)
	if err != nil {
		return fmt.Errorf("unable to reconnect to control port "+
			"%v: %w", c.controlAddr, err)
	}
	c.conn = conn

	return c.authenticateLocked()
}

// Signal sends SIGNAL with the given name, e.g. SignalNewnym or
// SignalReload.
func (c *Controller) Signal(signal string) error {
	if atomic.LoadInt32(&c.started) != 1 {
		return errCtrlNotStarted
	}

	cmd := fmt.Sprintf("SIGNAL %s", signal)
	if _, _, err := c.sendCommand(cmd); err != nil {
		return fmt.Errorf("signal %v failed: %w", signal, err)
	}

	return nil
}

// GetInfo queries the server for a single GETINFO key and returns its value.
func (c *Controller) GetInfo(key string) (string, error) {
	if atomic.LoadInt32(&c.started) != 1 {
		return "", errCtrlNotStarted
	}

	code, reply, err := c.sendCommand(fmt.Sprintf("GETINFO %s", key))
	if err != nil {
		if code == unrecognizedEntity {
			return "", fmt.Errorf("unrecognized key %v: %w",
				key, err)
		}
		return "", err
	}

	params := parseTorReply(reply)
	value, ok := params[key]
	if !ok {
		return "", fmt.Errorf("key %v not found in reply", key)
	}

	return value, nil
}

// authenticate performs the PROTOCOLINFO/AUTHENTICATE handshake on the
// current connection.
func (c *Controller) authenticate() error {
	c.sendMtx.Lock()
	defer c.sendMtx.Unlock()

	return c.authenticateLocked()
}

// authenticateLocked is authenticate with the send mutex already held.
func (c *Controller) authenticateLocked() error {
	// PROTOCOLINFO tells us the supported auth methods and the server
	// version.
	_, reply, err := c.sendCommandLocked("PROTOCOLINFO 1")
	if err != nil {
		return err
	}

	params := parseTorReply(reply)
	if version, ok := params["Tor"]; ok {
		c.version = version
	}

	methods, ok := params["METHODS"]
	if !ok {
		return errors.New("auth methods not found in PROTOCOLINFO " +
			"reply")
	}

	var authCmd string
	switch {
	case strings.Contains(methods, "NULL"):
		authCmd = "AUTHENTICATE"

	case strings.Contains(methods, "HASHEDPASSWORD") && c.password != "":
		authCmd = fmt.Sprintf("AUTHENTICATE \"%s\"", c.password)

	default:
		return fmt.Errorf("no supported auth method in %v", methods)
	}

	if _, _, err := c.sendCommandLocked(authCmd); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	return nil
}

// sendCommand sends a command to the control port and reads the response.
func (c *Controller) sendCommand(command string) (int, string, error) {
	c.sendMtx.Lock()
	defer c.sendMtx.Unlock()

	return c.sendCommandLocked(command)
}

// sendCommandLocked is sendCommand with the send mutex already held.
func (c *Controller) sendCommandLocked(command string) (int, string, error) {
	id, err := c.conn.Cmd(command)
	if err != nil {
		return 0, "", err
	}

	c.conn.StartResponse(id)
	defer c.conn.EndResponse(id)

	code, reply, err := c.readResponse(success)
	if err != nil {
		return code, reply, fmt.Errorf("command %q failed: %w",
			command, err)
	}

	return code, reply, nil
}

// readResponse reads the server's response to a command. The protocol
// prescribes one or more reply lines of the form
//
//	StatusCode SP ReplyText CRLF      (the final line)
//	StatusCode "-" ReplyText CRLF     (a mid-reply line)
//	StatusCode "+" ReplyText CRLF     (start of a data block, ended by ".")
//
// All reply lines are joined with newlines. Data block lines are folded into
// a comma separated value. An error is returned if the final status code
// does not match the expected one.
func (c *Controller) readResponse(expected int) (int, string, error) {
	reply, code := "", 0
	for {
		line, err := c.conn.ReadLine()
		if err != nil {
			return 0, reply, err
		}

		// Every reply line must carry at least a three digit code and
		// a separator.
		if len(line) < 4 {
			err := textproto.ProtocolError("short line: " + line)
			return 0, reply, err
		}

		code, err = strconv.Atoi(line[:3])
		if err != nil {
			err := textproto.ProtocolError("invalid code: " + line)
			return 0, reply, err
		}

		switch line[3] {
		// Final reply line; we're done reading.
		case ' ':
			reply += line[4:]

			if code != expected {
				return code, reply, errCodeNotMatch
			}

			return code, reply, nil

		// Mid-reply line, more lines follow.
		case '-':
			reply += line[4:] + "\n"

		// Data reply: accumulate lines until the terminating dot.
		case '+':
			reply += line[4:]
			for {
				line, err := c.conn.ReadLine()
				if err != nil {
					return 0, reply, err
				}
				if line == "." {
					break
				}

				if !strings.HasSuffix(reply, "=") {
					reply += ","
				}
				reply += line
			}
			reply += "\n"

		default:
			err := textproto.ProtocolError("invalid line: " + line)
			return code, reply, err
		}
	}
}

// parseTorReply parses the reply from the Tor server after receiving a
// command from a controller. This will parse the relevant reply parameters
// into a map of keys to values. Values that are quoted are unescaped and
// unquoted.
func parseTorReply(reply string) map[string]string {
	params := make(map[string]string)

	// Replies can have multiple lines, so we'll split the reply into a
	// set of lines and parse the relevant key/value pairs on each.
	lines := strings.Split(reply, "\n")
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")

		// Each line can have multiple key/value pairs. A value can be
		// quoted and contain escaped spaces, so we cannot naively
		// split on whitespace.
		for len(line) > 0 {
			line = strings.TrimLeft(line, " ")

			eq := strings.Index(line, "=")
			if eq <= 0 {
				break
			}
			key := line[:eq]
			line = line[eq+1:]

			// Any leading reply text before the key proper is not
			// part of it; the key starts after the last space.
			if sp := strings.LastIndex(key, " "); sp != -1 {
				key = key[sp+1:]
			}
			if key == "" {
				break
			}

			var value string
			if strings.HasPrefix(line, "\"") {
				value, line = readQuoted(line[1:])
			} else {
				end := strings.Index(line, " ")
				if end == -1 {
					end = len(line)
				}
				value, line = line[:end], line[end:]
			}

			params[key] = value
		}
	}

	return params
}

// readQuoted consumes a quoted value from s (with the opening quote already
// stripped), handling backslash escapes, and returns the unescaped value and
// the unconsumed remainder of the line.
func readQuoted(s string) (string, string) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			// An escaped character; take the next byte literally.
			if i+1 < len(s) {
				i++
				b.WriteByte(s[i])
			}

		case '"':
			return b.String(), s[i+1:]

		default:
			b.WriteByte(s[i])
		}
	}

	return b.String(), ""
}
