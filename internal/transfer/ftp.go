package transfer

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/courier/internal/transport"
)

// Stage is the position of an FTP retrieval in its command sequence.
type Stage int

const (
	// StageConnect opens the control connection if it is not open yet.
	StageConnect Stage = iota
	// StageGreeting waits for the server banner.
	StageGreeting
	// StageUser waits for the reply to USER.
	StageUser
	// StagePass waits for the reply to PASS.
	StagePass
	// StageType waits for the reply to TYPE I.
	StageType
	// StagePassive waits for the 227 reply to PASV.
	StagePassive
	// StageDataConnect opens the data connection and issues the command.
	StageDataConnect
	// StageTransfer waits for the server to accept the transfer command.
	StageTransfer
	// StageStreaming moves data bytes until the data connection closes and
	// the control connection reports completion.
	StageStreaming
	// StageDone means both connections are closed and the data is complete.
	StageDone
)

var stageNames = [...]string{
	StageConnect:     "connect",
	StageGreeting:    "greeting",
	StageUser:        "user",
	StagePass:        "pass",
	StageType:        "type",
	StagePassive:     "passive",
	StageDataConnect: "data_connect",
	StageTransfer:    "transfer",
	StageStreaming:   "streaming",
	StageDone:        "done",
}

func (s Stage) String() string {
	if s >= 0 && int(s) < len(stageNames) {
		return stageNames[s]
	}
	return "stage(" + strconv.Itoa(int(s)) + ")"
}

type ftpState struct {
	command     string
	dataAddress string
	dataDone    bool
	controlDone bool
}

type ftpDriver struct{}

func (ftpDriver) Protocol() Protocol { return ProtocolFTP }

// Build selects the transfer command and rewinds to the first stage.
func (ftpDriver) Build(r *Request, method string, body []byte, headers []Header) error {
	if len(body) > 0 || len(headers) > 0 {
		return fmt.Errorf("ftp requests carry no body or headers")
	}
	method = strings.ToUpper(method)
	switch method {
	case "":
		method = "RETR"
	case "RETR", "LIST", "NLST":
	default:
		return fmt.Errorf("unsupported ftp command %q", method)
	}
	r.method = method
	r.ftp = ftpState{command: method}
	r.stage = StageConnect
	r.resetResponse()
	r.recv.Clear()
	r.send.Clear()
	r.xfer.Clear()
	r.xfer.SetLimit(-1)
	r.totalReceived = 0
	return nil
}

// Advance runs one step of the current stage.
func (d ftpDriver) Advance(r *Request) (bool, error) {
	done, err := d.step(r)
	if err != nil {
		r.closeSockets()
		return false, fmt.Errorf("ftp %s: %w", r.stage, err)
	}
	return done, nil
}

func (d ftpDriver) step(r *Request) (bool, error) {
	pending, err := r.flush()
	if err != nil {
		return false, err
	}
	if pending {
		return false, nil
	}

	switch r.stage {
	case StageConnect:
		if !r.control.Valid() {
			if err := r.connect(); err != nil {
				return false, err
			}
		}
		r.stage = StageGreeting
		return false, nil

	case StageGreeting, StageUser, StagePass, StageType, StagePassive, StageTransfer:
		code, text, ok, err := d.readControl(r)
		if err != nil || !ok {
			return false, err
		}
		return false, d.onReply(r, code, text)

	case StageDataConnect:
		s, err := r.tr.Connect(r.ftp.dataAddress)
		if err != nil {
			return false, fmt.Errorf("%w: data connection: %w", ErrTransport, err)
		}
		r.data = s
		cmd := r.ftp.command
		if r.target.Path != "/" || cmd == "RETR" {
			cmd += " " + r.target.Path
		}
		if err = d.command(r, cmd); err != nil {
			return false, err
		}
		r.stage = StageTransfer
		return false, nil

	case StageStreaming:
		return d.stream(r)

	case StageDone:
		return true, nil
	}
	return false, fmt.Errorf("unknown stage %d", int(r.stage))
}

// onReply applies one control reply to the stage that was waiting for it.
func (d ftpDriver) onReply(r *Request, code int, text string) error {
	r.statusCode, r.statusText = code, text
	class := code / 100
	unexpected := func() error {
		return fmt.Errorf("%w: unexpected reply %d %s", ErrProtocol, code, text)
	}

	switch r.stage {
	case StageGreeting:
		switch class {
		case 1:
			return nil
		case 2:
			if r.target.User.IsZero() {
				return d.advanceTo(r, StageType, "TYPE I")
			}
			return d.advanceTo(r, StageUser, "USER "+r.target.User.User)
		}
		return unexpected()

	case StageUser:
		switch class {
		case 2:
			return d.advanceTo(r, StageType, "TYPE I")
		case 3:
			return d.advanceTo(r, StagePass, "PASS "+r.target.User.Password)
		}
		return unexpected()

	case StagePass:
		if class == 2 {
			return d.advanceTo(r, StageType, "TYPE I")
		}
		return unexpected()

	case StageType:
		if class == 2 {
			return d.advanceTo(r, StagePassive, "PASV")
		}
		return unexpected()

	case StagePassive:
		if code != 227 {
			return unexpected()
		}
		addr, err := parsePassive(text, r.target.Host)
		if err != nil {
			return err
		}
		r.ftp.dataAddress = addr
		r.stage = StageDataConnect
		return nil

	case StageTransfer:
		switch class {
		case 1:
		case 2:
			r.ftp.controlDone = true
		default:
			return unexpected()
		}
		r.stage = StageStreaming
		r.transferActive = true
		r.transferStartTime = time.Now()
		return nil

	case StageStreaming:
		switch class {
		case 1:
			return nil
		case 2:
			r.ftp.controlDone = true
			return nil
		}
		return unexpected()
	}
	return unexpected()
}

func (d ftpDriver) advanceTo(r *Request, next Stage, cmd string) error {
	r.stage = next
	return d.command(r, cmd)
}

func (d ftpDriver) command(r *Request, cmd string) error {
	if strings.ContainsAny(cmd, "\r\n") {
		return fmt.Errorf("%w: line break in command", ErrProtocol)
	}
	name, _, _ := strings.Cut(cmd, " ")
	log.Trace().Str("host", r.target.Host).Str("command", name).Msg("ftp command")
	if err := r.send.AppendString(cmd + "\r\n"); err != nil {
		return fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	return nil
}

// stream pulls data bytes and watches the control connection. It completes
// once the data connection is closed and completion has been reported.
func (d ftpDriver) stream(r *Request) (bool, error) {
	if !r.ftp.dataDone {
		if r.xfer.Free() == 0 && int64(r.xfer.Len()) >= r.limits.MaxResponseBytes {
			return false, fmt.Errorf("%w: data exceeds %d bytes", ErrAllocation, r.limits.MaxResponseBytes)
		}
		r.xfer.SetLimit(int(r.limits.MaxResponseBytes))
		status, err := r.receive(r.data, r.xfer)
		switch status {
		case transport.Failed:
			return false, err
		case transport.ClosedCleanly:
			r.ftp.dataDone = true
			r.tr.Close(r.data)
			r.data = transport.Closed
		}
		r.totalReceived = int64(r.xfer.Len())
	}

	if !r.ftp.controlDone {
		code, text, ok, err := d.readControl(r)
		if err != nil {
			return false, err
		}
		if ok {
			if err = d.onReply(r, code, text); err != nil {
				return false, err
			}
		}
	}

	if r.ftp.dataDone && r.ftp.controlDone {
		r.closeSockets()
		r.stage = StageDone
		r.finalLength = r.totalReceived
		log.Debug().
			Str("url", r.target.String()).
			Int64("bytes", r.totalReceived).
			Msg("ftp transfer complete")
		return true, nil
	}
	return false, nil
}

// readControl returns the next complete reply from the control connection,
// receiving once if none is buffered.
func (d ftpDriver) readControl(r *Request) (code int, text string, ok bool, err error) {
	if code, text, ok, err = nextReply(r); ok || err != nil {
		return
	}
	if r.recv.Len() > r.limits.MaxHeaderBytes {
		return 0, "", false, fmt.Errorf("%w: control reply exceeds %d bytes", ErrHeaderTooLarge, r.limits.MaxHeaderBytes)
	}
	status, err := r.receive(r.control, r.recv)
	switch status {
	case transport.Failed:
		return 0, "", false, err
	case transport.ClosedCleanly:
		return 0, "", false, fmt.Errorf("%w: control connection closed", ErrTransport)
	case transport.WouldBlock:
		return 0, "", false, nil
	}
	return nextReply(r)
}

// nextReply extracts one reply, joining the lines of a multi-line reply.
// Consumed bytes are dropped from the receive buffer.
func nextReply(r *Request) (code int, text string, ok bool, err error) {
	buf := r.recv
	buf.SetCursor(0)
	line, ok := buf.ReadLine()
	if !ok {
		return 0, "", false, nil
	}
	code, sep, text, err := splitReply(line)
	if err != nil {
		return 0, "", false, err
	}
	if sep == '-' {
		var sb strings.Builder
		sb.WriteString(text)
		for {
			line, ok = buf.ReadLine()
			if !ok {
				buf.SetCursor(0)
				return 0, "", false, nil
			}
			if c, s, t, err := splitReply(line); err == nil && c == code && s == ' ' {
				sb.WriteByte('\n')
				sb.WriteString(t)
				break
			}
			sb.WriteByte('\n')
			sb.Write(bytes.TrimSpace(line))
		}
		text = sb.String()
	}
	buf.Consume(buf.Cursor())
	return code, text, true, nil
}

func splitReply(line []byte) (code int, sep byte, text string, err error) {
	if len(line) < 3 {
		return 0, 0, "", fmt.Errorf("%w: short reply %q", ErrProtocol, line)
	}
	for _, c := range line[:3] {
		if c < '0' || c > '9' {
			return 0, 0, "", fmt.Errorf("%w: malformed reply %q", ErrProtocol, truncate(line, 64))
		}
		code = code*10 + int(c-'0')
	}
	if code < 100 {
		return 0, 0, "", fmt.Errorf("%w: malformed reply %q", ErrProtocol, truncate(line, 64))
	}
	sep = ' '
	if len(line) > 3 {
		sep = line[3]
		if sep != ' ' && sep != '-' {
			return 0, 0, "", fmt.Errorf("%w: malformed reply %q", ErrProtocol, truncate(line, 64))
		}
		text = string(line[4:])
	}
	return code, sep, text, nil
}

// parsePassive extracts the data address from "227 ... (h1,h2,h3,h4,p1,p2)".
// An unspecified address means the control host.
func parsePassive(text, controlHost string) (string, error) {
	start := strings.IndexFunc(text, func(c rune) bool { return c >= '0' && c <= '9' })
	if start < 0 {
		return "", fmt.Errorf("%w: no address in PASV reply %q", ErrProtocol, text)
	}
	end := start
	for end < len(text) && (text[end] == ',' || (text[end] >= '0' && text[end] <= '9')) {
		end++
	}
	fields := strings.Split(text[start:end], ",")
	if len(fields) != 6 {
		return "", fmt.Errorf("%w: malformed PASV reply %q", ErrProtocol, text)
	}
	var v [6]int
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 || n > 255 {
			return "", fmt.Errorf("%w: malformed PASV reply %q", ErrProtocol, text)
		}
		v[i] = n
	}
	port := v[4]<<8 | v[5]
	if port == 0 {
		return "", fmt.Errorf("%w: PASV reply with port 0", ErrProtocol)
	}
	host := fmt.Sprintf("%d.%d.%d.%d", v[0], v[1], v[2], v[3])
	if host == "0.0.0.0" {
		host = controlHost
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}
