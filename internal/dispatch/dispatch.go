// Package dispatch implements the Request Dispatcher (C7): on one accepted
// session, perform the handshake, then loop receiving envelopes and routing
// them to handlers for LIST_FILES, TRANSFER_REQUEST, PING and
// CANCEL_TRANSFER. Grounded on the teacher's cli/internal/signaling/handler.go
// type-switch routing pattern, adapted from "route to typed channels for a
// UI to consume" to "route to inline handlers that reply on the same
// session", since the dispatcher here is a server loop, not a client-side
// event fan-out.
package dispatch

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/localmesh/p2pnode/internal/index"
	"github.com/localmesh/p2pnode/internal/protocol"
	"github.com/localmesh/p2pnode/internal/session"
)

// Dispatcher serves inbound sessions against a local index.
type Dispatcher struct {
	idx      *index.Indexer
	deviceID string
	nickname string
	logger   *slog.Logger

	mu        sync.Mutex
	cancelled map[string]bool
}

func New(idx *index.Indexer, deviceID, nickname string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		idx:       idx,
		deviceID:  deviceID,
		nickname:  nickname,
		logger:    logger,
		cancelled: map[string]bool{},
	}
}

// HandleSession performs the handshake and then serves requests until the
// peer closes the session or a protocol error occurs (spec §4.6).
func (d *Dispatcher) HandleSession(sess *session.Session) {
	if err := d.handshake(sess); err != nil {
		d.logger.Debug("dispatch: handshake failed", "remote", sess.Remote(), "err", err)
		return
	}

	for {
		msgType, raw, err := sess.RecvMessage()
		if err != nil {
			if !errors.Is(err, session.ErrPeerClosed) {
				d.logger.Debug("dispatch: session ended", "remote", sess.Remote(), "err", err)
			}
			return
		}

		if err := d.route(sess, msgType, raw); err != nil {
			if errors.Is(err, errCloseSession) {
				return
			}
			d.logger.Warn("dispatch: handler error", "type", msgType, "err", err)
		}
	}
}

var errCloseSession = errors.New("dispatch: close session")

func (d *Dispatcher) handshake(sess *session.Session) error {
	msgType, raw, err := sess.RecvMessage()
	if err != nil {
		return err
	}
	if msgType != protocol.TypeHandshake {
		return fmt.Errorf("dispatch: expected HANDSHAKE, got %s", msgType)
	}
	var hs protocol.HandshakePayload
	if err := protocol.DecodePayload(raw, &hs); err != nil {
		return err
	}
	return sess.SendMessage(protocol.TypeHandshakeAck, protocol.HandshakeAckPayload{
		DeviceID: d.deviceID,
		Nickname: d.nickname,
		Status:   "accepted",
	})
}

func (d *Dispatcher) route(sess *session.Session, msgType, raw string) error {
	switch msgType {
	case protocol.TypeListFiles:
		return d.handleListFiles(sess)
	case protocol.TypeTransferRequest:
		return d.handleTransferRequest(sess, raw)
	case protocol.TypePing:
		return d.handlePing(sess, raw)
	case protocol.TypeCancelTransfer:
		return d.handleCancel(sess, raw)
	default:
		_ = sess.SendMessage(protocol.TypeTransferError, protocol.TransferErrorPayload{
			ErrorCode: protocol.ErrCodeInvalidRequest,
			Message:   fmt.Sprintf("unknown type %q", msgType),
		})
		return nil
	}
}

func (d *Dispatcher) handleListFiles(sess *session.Session) error {
	files := d.idx.List()
	entries := make([]protocol.FileEntry, len(files))
	for i, f := range files {
		entries[i] = protocol.FileEntry{
			FileID:       f.FileID,
			Name:         f.Name,
			Size:         f.Size,
			MimeType:     f.MimeType,
			RelativePath: f.RelativePath,
			LastModified: f.LastModified,
		}
	}
	return sess.SendMessage(protocol.TypeFileList, protocol.FileListPayload{Files: entries})
}

func (d *Dispatcher) handlePing(sess *session.Session, raw string) error {
	var ping protocol.PingPayload
	if err := protocol.DecodePayload(raw, &ping); err != nil {
		return err
	}
	return sess.SendMessage(protocol.TypePong, protocol.PongPayload{Timestamp: ping.Timestamp})
}

func (d *Dispatcher) handleCancel(sess *session.Session, raw string) error {
	var c protocol.CancelTransferPayload
	if err := protocol.DecodePayload(raw, &c); err != nil {
		return err
	}
	d.mu.Lock()
	d.cancelled[c.TransferID] = true
	d.mu.Unlock()
	return sess.SendMessage(protocol.TypeTransferCancelled, protocol.TransferCancelledPayload{TransferID: c.TransferID})
}

func (d *Dispatcher) wasCancelled(transferID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelled[transferID]
}

func (d *Dispatcher) forgetCancel(transferID string) {
	d.mu.Lock()
	delete(d.cancelled, transferID)
	d.mu.Unlock()
}

func (d *Dispatcher) handleTransferRequest(sess *session.Session, raw string) error {
	var req protocol.TransferRequestPayload
	if err := protocol.DecodePayload(raw, &req); err != nil {
		return err
	}
	defer d.forgetCancel(req.TransferID)

	if d.wasCancelled(req.TransferID) {
		return sess.SendMessage(protocol.TypeTransferError, protocol.TransferErrorPayload{
			TransferID: req.TransferID,
			ErrorCode:  protocol.ErrCodeTransferCancelled,
			Message:    "cancelled before start",
		})
	}

	entry, absPath, err := d.idx.Resolve(req.FileID)
	if err != nil {
		code := protocol.ErrCodeFileNotFound
		if errors.Is(err, index.ErrPathEscape) {
			code = protocol.ErrCodeInvalidRequest
		}
		return sess.SendMessage(protocol.TypeTransferError, protocol.TransferErrorPayload{
			TransferID: req.TransferID,
			ErrorCode:  code,
			Message:    err.Error(),
		})
	}

	f, err := openForRead(absPath)
	if err != nil {
		code := protocol.ErrCodePermissionDenied
		if os.IsNotExist(err) {
			code = protocol.ErrCodeFileNotFound
		}
		return sess.SendMessage(protocol.TypeTransferError, protocol.TransferErrorPayload{
			TransferID: req.TransferID,
			ErrorCode:  code,
			Message:    err.Error(),
		})
	}
	defer f.Close()

	if err := sess.SendMessage(protocol.TypeTransferStart, protocol.TransferStartPayload{
		TransferID: req.TransferID,
		FileID:     req.FileID,
		FileName:   entry.Name,
		FileSize:   entry.Size,
		ChunkSize:  protocol.DefaultChunkSize,
	}); err != nil {
		return errCloseSession
	}

	buf := make([]byte, protocol.DefaultChunkSize)
	var sent int64
	for sent < entry.Size {
		if d.wasCancelled(req.TransferID) {
			_ = sess.SendMessage(protocol.TypeTransferCancelled, protocol.TransferCancelledPayload{TransferID: req.TransferID})
			return nil
		}
		n, readErr := f.Read(buf)
		if n > 0 {
			if sendErr := sess.SendBytes(buf[:n]); sendErr != nil {
				d.logger.Warn("dispatch: bulk send failed", "transferId", req.TransferID, "err", sendErr)
				return errCloseSession
			}
			sent += int64(n)
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			_ = sess.SendMessage(protocol.TypeTransferError, protocol.TransferErrorPayload{
				TransferID: req.TransferID,
				ErrorCode:  protocol.ErrCodeInvalidRequest,
				Message:    readErr.Error(),
			})
			return errCloseSession
		}
	}

	return sess.SendMessage(protocol.TypeTransferComplete, protocol.TransferCompletePayload{
		TransferID: req.TransferID,
		FileID:     req.FileID,
	})
}

// openForRead is split out so tests can stub failure modes without a real
// permission-denied file on disk.
var openForRead = func(path string) (readCloser, error) {
	return os.Open(path)
}

type readCloser interface {
	io.Reader
	io.Closer
}
