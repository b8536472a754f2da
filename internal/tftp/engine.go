package tftp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Default option values, applied whenever the corresponding key was
// not recognised during negotiation.
const (
	defaultBlockSize  = 512
	defaultWindowSize = 1
	minBlockSize      = 8
	maxBlockSize      = 65464
	minWindowSize     = 1
	maxWindowSize     = 65535
	gbnWindowSize     = 4
)

// Logger is the sink the engine and listener write operational
// messages to. The core package never constructs one itself — it is
// handed in by the caller, the same "collaborator consumed only
// through its interface" shape spec.md gives logging and colouring.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// FieldLogger is an optional capability a Logger may implement to
// attach structured context (such as a transfer's correlation id) to
// every subsequent line. The listener upgrades to it via a type
// assertion when dispatching a transfer; callers that don't implement
// it just keep logging through the plain Logger interface.
type FieldLogger interface {
	Logger
	WithField(key string, value interface{}) Logger
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...interface{}) {}
func (noopLogger) Infof(string, ...interface{})  {}
func (noopLogger) Errorf(string, ...interface{}) {}

// Recorder receives transfer lifecycle events for metrics purposes.
// Like Logger, the engine only ever calls through this interface.
type Recorder interface {
	TransferStarted()
	TransferDone(bytesSent int64, elapsed time.Duration)
	TransferFailed(reason string)
	Retransmit()
}

type noopRecorder struct{}

func (noopRecorder) TransferStarted()                  {}
func (noopRecorder) TransferDone(int64, time.Duration) {}
func (noopRecorder) TransferFailed(string)             {}
func (noopRecorder) Retransmit()                       {}

// Config carries the settings a Transfer needs that are not specific
// to any one request: where files live, how long to wait for ACKs,
// after how many consecutive timeouts a transfer is aborted, and whether the
// Go-Back-N window-inflation optimisation is enabled.
type Config struct {
	Directory  string
	Timeout    time.Duration
	MaxRetries int
	GBN        bool
	Logger     Logger
	Recorder   Recorder
}

func (c Config) logger() Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return noopLogger{}
}

func (c Config) recorder() Recorder {
	if c.Recorder != nil {
		return c.Recorder
	}
	return noopRecorder{}
}

// ServeRRQ runs one read-request transfer to completion. It opens a
// fresh ephemeral UDP endpoint connected to remoteAddr (the RFC 1350
// TID rule), negotiates options, streams the file, and returns once
// the transfer has finished or failed. id is an opaque correlation
// string used only for logging.
func ServeRRQ(id string, remoteAddr *net.UDPAddr, req Packet, cfg Config) {
	log := cfg.logger()
	rec := cfg.recorder()
	rec.TransferStarted()
	start := time.Now()

	conn, err := net.DialUDP("udp", nil, remoteAddr)
	if err != nil {
		log.Errorf("transfer %s: dial %s: %v", id, remoteAddr, err)
		rec.TransferFailed("dial")
		return
	}
	var file *os.File
	defer func() { closeTransfer(conn, file, log, id) }()

	if req.Mode != "octet" {
		sendError(conn, 0, fmt.Sprintf("Unsupported '%s' mode", req.Mode))
		log.Errorf("transfer %s: unsupported mode %q from %s", id, req.Mode, remoteAddr)
		rec.TransferFailed("unsupported_mode")
		return
	}

	leaf, err := leafFilename(req.Filename)
	if err != nil {
		sendError(conn, 1, err.Error())
		log.Errorf("transfer %s: bad filename %q: %v", id, req.Filename, err)
		rec.TransferFailed("bad_filename")
		return
	}

	fullPath := filepath.Join(cfg.Directory, leaf)
	info, err := os.Stat(fullPath)
	if err != nil {
		sendError(conn, 1, err.Error())
		log.Errorf("transfer %s: stat %q: %v", id, leaf, err)
		rec.TransferFailed("not_found")
		return
	}

	blockSize, windowSize, err := negotiate(conn, req, info.Size(), cfg, log, id)
	if err != nil {
		if !errors.Is(err, errRemoteAborted) {
			sendError(conn, 0, err.Error())
		}
		log.Errorf("transfer %s: negotiation: %v", id, err)
		rec.TransferFailed("negotiation")
		return
	}
	if cfg.GBN && windowSize == defaultWindowSize {
		windowSize = gbnWindowSize
	}

	file, err = os.Open(fullPath)
	if err != nil {
		sendError(conn, 1, err.Error())
		log.Errorf("transfer %s: open %q: %v", id, leaf, err)
		rec.TransferFailed("open")
		return
	}

	bytesSent, err := stream(conn, file, blockSize, windowSize, cfg, log, id)
	if err != nil {
		switch {
		case errors.Is(err, errRemoteAborted):
		case errors.Is(err, errReadFailed):
			sendError(conn, 1, err.Error())
		default:
			sendError(conn, 0, err.Error())
		}
		log.Errorf("transfer %s: %v", id, err)
		rec.TransferFailed("transfer")
		return
	}

	elapsed := time.Since(start)
	rec.TransferDone(bytesSent, elapsed)
	throughput := float64(bytesSent) / elapsed.Seconds() / 1024
	log.Infof("transfer %s: sent %q (%d bytes) to %s in %s (%.1f KiB/s)",
		id, leaf, bytesSent, remoteAddr, elapsed.Round(time.Millisecond), throughput)
}

// errRemoteAborted marks a RemoteError: the client sent an ERROR
// packet, which terminates the transfer without us replying.
var errRemoteAborted = errors.New("tftp: client aborted transfer")

// errReadFailed marks a ReadFailed: a mid-transfer read from the
// source file failed. It is grouped with FileNotFound/StatFailed and
// reported as ERROR code 1 with the underlying OS error text, the same
// way those earlier failures are.
var errReadFailed = errors.New("tftp: read file failed")

// readError wraps a file-read failure so errors.Is(err, errReadFailed)
// identifies it while Error() still returns the raw OS error text, the
// message ServeRRQ sends back in the ERROR packet.
type readError struct{ cause error }

func (e *readError) Error() string { return e.cause.Error() }
func (e *readError) Unwrap() error { return errReadFailed }

// negotiate performs RFC 2347 option negotiation. It returns the
// effective block size and window size. The caller is responsible for
// sending an ERROR in response to a non-nil err (unless it wraps
// errRemoteAborted, in which case the client already sent its own).
func negotiate(conn *net.UDPConn, req Packet, fileSize int64, cfg Config, log Logger, id string) (blockSize, windowSize int, err error) {
	blockSize = defaultBlockSize
	windowSize = defaultWindowSize

	echo := make(map[string]string)
	for key, value := range req.Options {
		if !recognisedOptions[key] {
			continue
		}
		switch key {
		case "blksize":
			n, err := strconv.Atoi(value)
			if err != nil {
				return 0, 0, fmt.Errorf("invalid blksize %q", value)
			}
			if n < minBlockSize {
				n = minBlockSize
			} else if n > maxBlockSize {
				n = maxBlockSize
			}
			blockSize = n
			echo[key] = strconv.Itoa(n)
		case "windowsize":
			n, err := strconv.Atoi(value)
			if err != nil {
				return 0, 0, fmt.Errorf("invalid windowsize %q", value)
			}
			if n < minWindowSize {
				n = minWindowSize
			} else if n > maxWindowSize {
				n = maxWindowSize
			}
			windowSize = n
			echo[key] = strconv.Itoa(n)
		case "tsize":
			echo[key] = strconv.FormatInt(fileSize, 10)
		}
	}

	if len(echo) == 0 {
		return blockSize, windowSize, nil
	}

	oack, err := Encode(Packet{Op: OpOACK, Options: echo})
	if err != nil {
		return 0, 0, fmt.Errorf("encode OACK: %w", err)
	}

	recvBuf := make([]byte, 256)
	retries := 0
	for {
		if _, err := conn.Write(oack); err != nil {
			return 0, 0, fmt.Errorf("send OACK: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(cfg.Timeout))
		n, err := conn.Read(recvBuf)
		if err != nil {
			if isTimeout(err) {
				retries++
				if retries >= cfg.MaxRetries {
					return 0, 0, errors.New("Max retries reached")
				}
				cfg.recorder().Retransmit()
				continue
			}
			return 0, 0, fmt.Errorf("read after OACK: %w", err)
		}

		ack, err := Decode(recvBuf[:n])
		if err != nil {
			return 0, 0, fmt.Errorf("decode after OACK: %w", err)
		}
		if ack.Op == OpERROR {
			log.Infof("transfer %s: client aborted negotiation: %s", id, ack.Message)
			return 0, 0, fmt.Errorf("%w: %s", errRemoteAborted, ack.Message)
		}
		if ack.Op != OpACK || ack.Block != 0 {
			return 0, 0, fmt.Errorf("expected ACK for block 0, got %s block %d", ack.Op, ack.Block)
		}
		return blockSize, windowSize, nil
	}
}

// stream runs the main emit/await loop of step 3 until the file has
// been fully sent and acknowledged. It returns the number of payload
// bytes sent.
func stream(conn *net.UDPConn, file *os.File, blockSize, windowSize int, cfg Config, log Logger, id string) (int64, error) {
	window := NewWindow(uint16(windowSize))
	recvBuf := make([]byte, blockSize+4)
	readBuf := make([]byte, blockSize)

	var bytesSent int64
	var lastReadSize int
	finish := false
	retries := 0

	for {
		for {
			block, ok := window.Next()
			if !ok {
				break
			}
			n, err := file.Read(readBuf)
			if err != nil && err != io.EOF {
				return bytesSent, &readError{cause: err}
			}
			data := readBuf[:n]
			lastReadSize = n

			pkt, err := Encode(Packet{Op: OpDATA, Block: block, Data: data})
			if err != nil {
				return bytesSent, fmt.Errorf("encode DATA: %w", err)
			}
			if _, err := conn.Write(pkt); err != nil {
				return bytesSent, fmt.Errorf("send DATA: %w", err)
			}
			bytesSent += int64(n)

			if n < blockSize {
				finish = true
				break
			}
		}

		conn.SetReadDeadline(time.Now().Add(cfg.Timeout))
		n, err := conn.Read(recvBuf)

		var offset int64
		if err != nil {
			if !isTimeout(err) {
				return bytesSent, fmt.Errorf("read ACK: %w", err)
			}
			retries++
			if retries >= cfg.MaxRetries {
				return bytesSent, errors.New("Max retries reached")
			}
			cfg.recorder().Retransmit()
			offset = window.Update(window.Start()-1, cfg.GBN)
		} else {
			ack, derr := Decode(recvBuf[:n])
			if derr != nil {
				return bytesSent, fmt.Errorf("decode ACK: %w", derr)
			}
			if ack.Op == OpERROR {
				return bytesSent, fmt.Errorf("%w: %s", errRemoteAborted, ack.Message)
			}
			if ack.Op != OpACK {
				return bytesSent, fmt.Errorf("protocol violation: expected ACK, got %s", ack.Op)
			}
			retries = 0
			offset = window.Update(ack.Block, cfg.GBN)
		}

		switch {
		case offset > 0:
			if _, err := file.Seek(offset*int64(blockSize), io.SeekCurrent); err != nil {
				return bytesSent, fmt.Errorf("seek forward: %w", err)
			}
		case offset < 0:
			back := (-offset-1)*int64(blockSize) + int64(lastReadSize)
			if _, err := file.Seek(-back, io.SeekCurrent); err != nil {
				return bytesSent, fmt.Errorf("seek backward: %w", err)
			}
			finish = false
		}

		if finish && offset == 0 {
			return bytesSent, nil
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func sendError(conn *net.UDPConn, code uint16, message string) {
	pkt, err := Encode(Packet{Op: OpERROR, Code: code, Message: message})
	if err != nil {
		return
	}
	conn.Write(pkt)
}

// leafFilename strips any directory component from a requested
// filename and rejects absolute paths outright, per the source's
// undocumented-but-load-bearing leaf-only behaviour.
func leafFilename(requested string) (string, error) {
	if requested == "" {
		return "", errors.New("empty filename")
	}
	if strings.HasPrefix(requested, "/") || strings.HasPrefix(requested, `\`) || filepath.IsAbs(requested) {
		return "", fmt.Errorf("absolute path rejected: %q", requested)
	}
	clean := strings.ReplaceAll(requested, `\`, "/")
	leaf := path.Base(clean)
	if leaf == "." || leaf == "/" || leaf == ".." {
		return "", fmt.Errorf("invalid filename: %q", requested)
	}
	return leaf, nil
}

// closeTransfer releases both the transfer's socket and its file
// handle regardless of whether either close fails, combining any
// errors rather than dropping all but one.
func closeTransfer(conn *net.UDPConn, file *os.File, log Logger, id string) {
	var err error
	if conn != nil {
		err = multierr.Append(err, conn.Close())
	}
	if file != nil {
		err = multierr.Append(err, file.Close())
	}
	if err != nil {
		log.Errorf("transfer %s: cleanup: %v", id, err)
	}
}
