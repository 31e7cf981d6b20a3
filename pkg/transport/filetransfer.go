package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/ryandielhenn/cerebrate/pkg/wire"
)

// File transfer runs on a session after the initiator sends a message tagged
// filetransfer. For every file the receiver signals ready, the sender
// describes the file, then each chunk is sent only after the receiver is
// ready for it. The receiver backs up any file it overwrites and restores it
// if the transfer fails.

const (
	tagReady      = "ready"
	tagFileHeader = "file header"
	tagChunk      = "chunk"
	tagFinished   = "finished"

	chunkSize = 512
)

type Location string

const (
	LocationSource   Location = "source"
	LocationHive     Location = "hive"
	LocationAbsolute Location = "absolute"
)

var (
	ErrTransferAborted = errors.New("transport: file transfer aborted by receiver")
	ErrBadDestination  = errors.New("transport: file destination outside allowed roots")
)

type fileHeader struct {
	Location Location `json:"location"`
	Name     string   `json:"name"`
}

// TransferFiles sends the files at paths to id over one session.
func (s *Secretary) TransferFiles(ctx context.Context, id string, paths []string) error {
	sess, err := s.dial(ctx, id)
	if err != nil {
		return err
	}
	closure := Closure{Reason: ReasonFinished, Peer: id}
	defer func() { s.finish(sess, closure) }()

	if err := s.write(sess, s.message(nil, wire.TagFileTransfer)); err != nil {
		closure = Closure{Reason: ReasonDisconnected, Remote: true, Peer: id}
		return fmt.Errorf("transport: start transfer to %s: %w", id, err)
	}
	for _, p := range paths {
		if err := s.awaitReady(sess); err != nil {
			closure.Remote = true
			return err
		}
		if err := s.sendFile(sess, p); err != nil {
			if errors.Is(err, ErrTransferAborted) {
				closure.Remote = true
			}
			return fmt.Errorf("transport: send %s: %w", p, err)
		}
		s.log.Debug("file sent", zap.String("peer", id), zap.String("path", p))
	}
	// the receiver is ready for another file; consume that before closing
	if err := s.awaitReady(sess); err != nil {
		closure.Remote = true
		return err
	}
	return nil
}

func (s *Secretary) awaitReady(sess *session) error {
	for {
		msg, err := s.read(sess)
		if err != nil {
			return err
		}
		switch {
		case msg.Tagged(wire.TagCloseConnection):
			reason, _ := msg.Text()
			return fmt.Errorf("%w: %s", ErrTransferAborted, reason)
		case msg.Tagged(tagReady):
			return nil
		}
	}
}

func (s *Secretary) sendFile(sess *session, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	loc, name := s.locate(path)
	if err := s.write(sess, s.message(fileHeader{Location: loc, Name: name}, tagFileHeader)); err != nil {
		return err
	}
	buf := make([]byte, chunkSize)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if err := s.awaitReady(sess); err != nil {
				return err
			}
			if err := s.write(sess, s.message(buf[:n], tagChunk)); err != nil {
				return err
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	if err := s.awaitReady(sess); err != nil {
		return err
	}
	return s.write(sess, s.message(nil, tagFinished))
}

// locate expresses path relative to the source or hive root when it lies
// under one of them.
func (s *Secretary) locate(path string) (Location, string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if rel, ok := within(s.cfg.SourceDir, abs); ok {
		return LocationSource, filepath.ToSlash(rel)
	}
	if rel, ok := within(s.cfg.HiveDir, abs); ok {
		return LocationHive, filepath.ToSlash(rel)
	}
	return LocationAbsolute, abs
}

func (s *Secretary) receiveFiles(sess *session) Closure {
	for !s.lc.IsTerminating() {
		if err := s.write(sess, s.message(nil, tagReady)); err != nil {
			return Closure{Reason: ReasonDisconnected, Remote: true}
		}
		msg, err := s.read(sess)
		if err != nil {
			return s.readFailure(sess, err)
		}
		if msg.Tagged(wire.TagCloseConnection) {
			reason, ok := msg.Text()
			if !ok || reason == "" {
				reason = ReasonByRequest
			}
			return Closure{Reason: reason, Remote: true}
		}
		var hdr fileHeader
		if !msg.Tagged(tagFileHeader) || msg.Decode(&hdr) != nil || hdr.Name == "" {
			return Closure{Reason: "no file name included"}
		}
		dest, err := s.destination(hdr)
		if err != nil {
			s.log.Warn("file rejected", zap.String("peer", sess.peer), zap.String("name", hdr.Name), zap.Error(err))
			return Closure{Reason: "file destination rejected"}
		}
		if backedUp, err := s.receiveFile(sess, dest); err != nil {
			s.log.Error("file receive failed", zap.String("peer", sess.peer), zap.String("path", dest), zap.Error(err))
			if rerr := restoreFile(dest, backedUp); rerr != nil {
				s.log.Error("restore backup", zap.String("path", dest), zap.Error(rerr))
			}
			return Closure{Reason: "failed while receiving file"}
		}
		s.log.Info("file received", zap.String("peer", sess.peer), zap.String("path", dest))
	}
	return Closure{Reason: ReasonTerminating}
}

// receiveFile writes the incoming chunks to dest. backedUp reports whether
// an existing dest was copied to its backup path first.
func (s *Secretary) receiveFile(sess *session, dest string) (backedUp bool, err error) {
	if backedUp, err = backupFile(dest); err != nil {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return backedUp, err
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return backedUp, err
	}
	defer f.Close()

	for {
		if err := s.write(sess, s.message(nil, tagReady)); err != nil {
			return backedUp, err
		}
		msg, err := s.read(sess)
		if err != nil {
			return backedUp, err
		}
		switch {
		case msg.Tagged(tagFinished):
			return backedUp, f.Close()
		case msg.Tagged(tagChunk):
			var chunk []byte
			if err := msg.Decode(&chunk); err != nil {
				return backedUp, err
			}
			if _, err := f.Write(chunk); err != nil {
				return backedUp, err
			}
		default:
			return backedUp, fmt.Errorf("transport: unexpected %v during file transfer", msg.Header)
		}
	}
}

func (s *Secretary) destination(h fileHeader) (string, error) {
	name := filepath.FromSlash(h.Name)
	switch h.Location {
	case LocationSource, LocationHive:
		root := s.cfg.SourceDir
		if h.Location == LocationHive {
			root = s.cfg.HiveDir
		}
		if root == "" {
			return "", fmt.Errorf("%w: no %s root", ErrBadDestination, h.Location)
		}
		p := filepath.Join(root, name)
		if _, ok := within(root, p); !ok {
			return "", fmt.Errorf("%w: %s", ErrBadDestination, h.Name)
		}
		return p, nil
	default:
		if !filepath.IsAbs(name) {
			return "", fmt.Errorf("%w: %s is not absolute", ErrBadDestination, h.Name)
		}
		p := filepath.Clean(name)
		for _, root := range []string{s.cfg.SourceDir, s.cfg.HiveDir} {
			if _, ok := within(root, p); ok {
				return p, nil
			}
		}
		return "", fmt.Errorf("%w: %s", ErrBadDestination, h.Name)
	}
}

// within reports whether p lies strictly inside root and returns the
// relative path.
func within(root, p string) (string, bool) {
	if root == "" {
		return "", false
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	if p, err = filepath.Abs(p); err != nil {
		return "", false
	}
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", false
	}
	return rel, true
}

func backupPath(p string) string {
	return filepath.Join(filepath.Dir(p), "backup", filepath.Base(p))
}

// backupFile copies p to its backup path and reports whether there was
// anything to copy.
func backupFile(p string) (bool, error) {
	if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err := copyFile(p, backupPath(p)); err != nil {
		return false, err
	}
	return true, nil
}

// restoreFile undoes a failed receive: it puts back the backup taken for
// this transfer, or removes p when none was taken. Backups left by earlier
// transfers are ignored.
func restoreFile(p string, backedUp bool) error {
	if backedUp {
		return copyFile(backupPath(p), p)
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// SourceFiles lists the regular files under root, skipping backup copies.
func SourceFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "backup" || (strings.HasPrefix(d.Name(), ".") && p != root) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	return files, err
}
