// Package session implements DeviceSession (spec §4.5): the per-device
// state machine that serves image requests over a UsbEndpointIO, tracks
// boot/update phase, injects the synthetic uEnv/path-echo/size-echo
// images, and decides when a boot or update run has completed.
package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ardnew/astra-update/internal/bootbundle"
	"github.com/ardnew/astra-update/internal/console"
	"github.com/ardnew/astra-update/internal/flashplan"
	"github.com/ardnew/astra-update/internal/image"
	"github.com/ardnew/astra-update/internal/usbio"
	"github.com/ardnew/astra-update/pkg"
)

// requestWaitTimeout is the 10s condition-variable deadline from spec §4.5
// and §5: fatal during BootProgress, ignored (re-wait) in every other
// non-terminal phase.
const requestWaitTimeout = 10 * time.Second

// miniloaderImage is the one basename whose post-send disconnect is
// expected rather than a failure (spec §4.5, §7 DeviceGone).
const miniloaderImage = "gen3_miniloader.bin.usb"

// pathEchoImage and sizeEchoImage are the two synthetic side-channel files
// described in spec §4.2.
const (
	pathEchoImage = "06_IMAGE"
	sizeEchoImage = "07_IMAGE"
)

// Phase is the DeviceSession state enumeration from spec §4.5. The finer
// ImageSendStart/Progress/Complete/Fail values spec §3 lists alongside it
// are reported as DeviceEvent.Progress percentages rather than additional
// Phase values, so that the Phase field itself stays monotonic for
// Testable Property 1 (see DESIGN.md).
type Phase int

const (
	PhaseAdded Phase = iota
	PhaseOpened
	PhaseBootStart
	PhaseBootProgress
	PhaseBootComplete
	PhaseBootFail
	PhaseUpdateStart
	PhaseUpdateProgress
	PhaseUpdateComplete
	PhaseUpdateFail
)

func (p Phase) String() string {
	switch p {
	case PhaseAdded:
		return "added"
	case PhaseOpened:
		return "opened"
	case PhaseBootStart:
		return "boot_start"
	case PhaseBootProgress:
		return "boot_progress"
	case PhaseBootComplete:
		return "boot_complete"
	case PhaseBootFail:
		return "boot_fail"
	case PhaseUpdateStart:
		return "update_start"
	case PhaseUpdateProgress:
		return "update_progress"
	case PhaseUpdateComplete:
		return "update_complete"
	case PhaseUpdateFail:
		return "update_fail"
	default:
		return "unknown"
	}
}

// Terminal reports whether p is one of the four *Complete/*Fail states of
// spec §4.5. A session does not leave them once entered, except that an
// update session moves on from BootComplete to UpdateStart.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseBootComplete, PhaseBootFail, PhaseUpdateComplete, PhaseUpdateFail:
		return true
	}
	return false
}

// Success reports whether a terminal phase represents a successful run.
func (p Phase) Success() bool {
	return p == PhaseBootComplete || p == PhaseUpdateComplete
}

// DeviceEvent is the per-device shape of the status stream (spec §6).
type DeviceEvent struct {
	DeviceName string
	Phase      Phase
	Progress   int
	ImageName  string
	Message    string
}

// Sink receives DeviceEvents as a session progresses.
type Sink func(DeviceEvent)

// Config supplies everything New needs besides the already-opened
// endpoint and console stream.
type Config struct {
	Bundle      *bootbundle.Bundle
	Plan        flashplan.Plan // nil for a boot-only session
	BootCommand string         // used only when Plan == nil
	TempDir     string
	Sink        Sink
}

type request struct {
	tag  byte
	name string
}

// Session is DeviceSession: it owns a UsbEndpointIO, a console.Stream, and
// the mutable image list, serving requests and tracking phase until the
// run terminates.
type Session struct {
	bundle      *bootbundle.Bundle
	plan        flashplan.Plan
	bootOnly    bool
	bootCommand string
	resetWhenComplete bool
	tempDir     string
	sink        Sink
	cons        *console.Stream

	mu               sync.Mutex
	io               *usbio.EndpointIO
	images           []*image.Image
	phase            Phase
	finalBootImage   string
	finalUpdateImage string
	lastSentName     string
	sizeEchoValue    int64
	sizeEchoPending  bool
	miniloaderSeen   bool
	sentUpdateCount  int

	requests     chan request
	disconnectCh chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// New builds a Session around an already-opened endpoint and registers its
// frame handler. It prepares the served image list (including synthetic
// uEnv/path-echo/size-echo entries) before returning.
func New(io *usbio.EndpointIO, cons *console.Stream, cfg Config) (*Session, error) {
	s := &Session{
		bundle:       cfg.Bundle,
		plan:         cfg.Plan,
		bootOnly:     cfg.Plan == nil,
		bootCommand:  cfg.BootCommand,
		tempDir:      cfg.TempDir,
		sink:         cfg.Sink,
		cons:         cons,
		io:           io,
		phase:        PhaseAdded,
		requests:     make(chan request, 8),
		disconnectCh: make(chan struct{}, 1),
		closed:       make(chan struct{}),
	}
	if cfg.Plan != nil {
		s.resetWhenComplete = cfg.Plan.ResetWhenComplete()
	}

	if logFile, err := os.OpenFile(filepath.Join(cfg.TempDir, "console.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
		cons.SetLog(logFile)
	}

	if err := s.prepareImages(); err != nil {
		return nil, err
	}

	s.setPhase(PhaseOpened)
	io.OnFrame(s.handleFrame)
	return s, nil
}

// DeviceName returns the stable bus-path identity of the device this
// session is attached to.
func (s *Session) DeviceName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.io.BusPath()
}

// Phase returns the session's current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Reattach swaps in a freshly enumerated endpoint for the same bus path,
// used after the miniloader-reset disconnect exception (spec §4.5 Any
// Fail note, §8 S4): the transport hands the Supervisor a new enumeration
// carrying the same bus path, and the session keeps running on it.
func (s *Session) Reattach(io *usbio.EndpointIO) {
	s.mu.Lock()
	s.io = io
	s.mu.Unlock()
	io.OnFrame(s.handleFrame)
	pkg.LogInfo(pkg.ComponentSession, "device re-enumerated", "device", io.BusPath())
}

// NotifyDisconnect is called by the Supervisor when the transport reports
// this session's device has dropped off the bus.
func (s *Session) NotifyDisconnect() {
	select {
	case s.disconnectCh <- struct{}{}:
	default:
	}
}

// Close idempotently tears the session down: it closes the underlying
// endpoint and unblocks Run.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		io := s.io
		s.mu.Unlock()
		if io != nil {
			err = io.Close()
		}
	})
	return err
}

func (s *Session) currentIO() *usbio.EndpointIO {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.io
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	updateAfterBoot := s.phase == PhaseBootComplete && !s.bootOnly && p == PhaseUpdateStart
	if s.phase.Terminal() && !updateAfterBoot {
		s.mu.Unlock()
		return
	}
	s.phase = p
	s.mu.Unlock()
}

func (s *Session) emit(phase Phase, progress int, imageName, message string) {
	if imageName == sizeEchoImage {
		// Suppressed from user-visible output (spec §6).
		return
	}
	if s.sink != nil {
		s.sink(DeviceEvent{
			DeviceName: s.DeviceName(),
			Phase:      phase,
			Progress:   progress,
			ImageName:  imageName,
			Message:    message,
		})
	}
}

// prepareImages builds the served image list: the bundle's boot images,
// the optional synthesized uEnv.txt (spec §4.3), and, for update sessions,
// the flash plan's images. It also materializes the persisted temp-dir
// side channels (spec §6).
func (s *Session) prepareImages() error {
	images := make([]*image.Image, len(s.bundle.Images))
	copy(images, s.bundle.Images)

	finalBoot := s.bundle.FinalBootImage
	command := s.bootCommand
	if s.plan != nil {
		command = s.plan.Command()
	}

	if s.bundle.UEnvSupport && !s.bundle.HasUEnv() {
		path := filepath.Join(s.tempDir, "uEnv.txt")
		content := "bootcmd=" + command
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return pkg.Classify(pkg.KindInternal, err)
		}
		images = append(images, image.New(path, image.CategoryBoot))
		if s.bootOnly && s.bootCommand == "" {
			finalBoot = "uEnv.txt"
		}
	}

	if s.plan != nil {
		images = append(images, s.plan.Images()...)
		if s.bundle.IsLinuxBoot {
			finalBoot = "uEnv.txt"
			s.emit(PhaseOpened, 0, "uEnv.txt",
				"final boot image overridden to uEnv.txt: Linux-capable update bundle boots to environment only")
		}
		s.finalUpdateImage = s.plan.FinalImage()
	}

	if err := os.WriteFile(filepath.Join(s.tempDir, pathEchoImage), []byte(s.io.BusPath()), 0o644); err != nil {
		return pkg.Classify(pkg.KindInternal, err)
	}
	if err := s.writeSizeEchoFile(0); err != nil {
		return err
	}

	s.mu.Lock()
	s.images = images
	s.finalBootImage = finalBoot
	s.mu.Unlock()
	return nil
}

func (s *Session) writeSizeEchoFile(size int64) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(size))
	return os.WriteFile(filepath.Join(s.tempDir, sizeEchoImage), buf, 0o644)
}

// lookupImage implements the image-lookup rule from spec §4.2: search the
// served list for an exact basename match.
func (s *Session) lookupImage(name string) *image.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, img := range s.images {
		if img.Name() == name {
			return img
		}
	}
	return nil
}

// handleFrame is the EndpointIO.OnFrame callback: it scans the frame for
// the request marker, routing request frames to the serving thread and
// everything else to the console stream (spec §4.2).
func (s *Session) handleFrame(f usbio.Frame) {
	data := f.Data
	idx := bytes.Index(data, []byte(usbio.RequestMarker))
	if idx < 0 {
		s.cons.Feed(data)
		return
	}

	rest := data[idx+len(usbio.RequestMarker):]
	if len(rest) < 1 {
		return
	}
	tag := rest[0]
	nameBytes := rest[1:]
	if nul := bytes.IndexByte(nameBytes, 0); nul >= 0 {
		nameBytes = nameBytes[:nul]
	}
	name := string(nameBytes)
	if i := strings.IndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}

	select {
	case s.requests <- request{tag: tag, name: name}:
	case <-s.closed:
	}
}

// Run drives the session to a terminal phase: Added → ... → BootStart,
// the request-serving loop (spec §4.5, §5), and finally WaitForCompletion.
// It blocks until a terminal phase is reached or ctx is cancelled.
func (s *Session) Run(ctx context.Context) Phase {
	s.setPhase(PhaseBootStart)

	for {
		select {
		case <-ctx.Done():
			return s.Phase()
		case <-s.closed:
			return s.Phase()
		case <-s.disconnectCh:
			if terminal, phase := s.handleDisconnect(); terminal {
				return phase
			}
		case req := <-s.requests:
			if enterWait := s.onRequest(req); enterWait {
				return s.waitForCompletion(ctx)
			}
		case <-time.After(requestWaitTimeout):
			if s.Phase() == PhaseBootProgress {
				s.setPhase(PhaseBootFail)
				s.emit(PhaseBootFail, 0, "",
					"Timeout during boot: hold USB_BOOT and RESET the device, then retry")
				return s.Phase()
			}
			// Timeout in any other non-terminal phase is ignored; re-wait.
		}
	}
}

// onRequest serves one parsed image request and returns true once the
// session has reached the terminal condition that starts
// WaitForCompletion (spec §4.5).
func (s *Session) onRequest(req request) bool {
	phase := s.Phase()

	if phase == PhaseBootStart {
		phase = PhaseBootProgress
		s.setPhase(phase)
	} else if phase == PhaseBootComplete && !s.bootOnly {
		s.setPhase(PhaseUpdateStart)
		s.emit(PhaseUpdateStart, 0, "", "update started")
		phase = PhaseUpdateProgress
		s.setPhase(phase)
	}

	name := req.name

	if name == pathEchoImage {
		s.sendRaw(pathEchoImage, []byte(s.DeviceName()), req.tag)
		return false
	}
	if name == sizeEchoImage {
		s.sendRaw(sizeEchoImage, s.sizeEchoBytes(), req.tag)
		if phase == PhaseUpdateProgress && s.sizeEchoPending {
			s.mu.Lock()
			s.sizeEchoPending = false
			s.mu.Unlock()
			s.setPhase(PhaseUpdateComplete)
			s.emit(PhaseUpdateComplete, 100, s.finalUpdateImage, "Success")
			return true
		}
		return false
	}

	img := s.lookupImage(name)
	if img == nil {
		s.failLookup(phase, name)
		return false
	}

	if err := s.sendImage(img, req.tag); err != nil {
		s.failSend(phase, name, err)
		return false
	}

	switch phase {
	case PhaseBootProgress:
		if name == s.finalBootImage {
			s.setPhase(PhaseBootComplete)
			if s.bootOnly {
				s.emit(PhaseBootComplete, 100, name, "Success")
				return true
			}
			s.emit(PhaseBootComplete, 100, name, "boot stage complete, awaiting update")
		} else {
			s.emit(PhaseBootProgress, 0, name, "")
		}
	case PhaseUpdateProgress:
		s.mu.Lock()
		s.sentUpdateCount++
		sent := s.sentUpdateCount
		total := len(s.plan.Images())
		s.mu.Unlock()
		if name == s.finalUpdateImage {
			if req.tag > usbio.TagUpdateThreshold {
				s.mu.Lock()
				s.sizeEchoPending = true
				s.mu.Unlock()
				s.emit(PhaseUpdateProgress, 100, name, "awaiting size confirmation")
				return false
			}
			s.setPhase(PhaseUpdateComplete)
			s.emit(PhaseUpdateComplete, 100, name, "Success")
			return true
		}
		s.emit(PhaseUpdateProgress, percent(sent, total), name, "")
	}
	return false
}

func percent(n, total int) int {
	if total <= 0 {
		return 0
	}
	p := n * 100 / total
	if p > 100 {
		p = 100
	}
	return p
}

func (s *Session) failLookup(phase Phase, name string) {
	next := PhaseBootFail
	if phase == PhaseUpdateProgress || phase == PhaseUpdateStart {
		next = PhaseUpdateFail
	}
	s.setPhase(next)
	s.emit(next, 0, name, fmt.Sprintf("image not found: %s", name))
	_ = s.Close()
}

func (s *Session) failSend(phase Phase, name string, err error) {
	next := PhaseBootFail
	if phase == PhaseUpdateProgress || phase == PhaseUpdateStart {
		next = PhaseUpdateFail
	}
	s.setPhase(next)
	s.emit(next, 0, name, fmt.Sprintf("send failed: %v", err))
	_ = s.Close()
}

// handleDisconnect implements the DeviceGone policy from spec §7: success
// iff the session already reached a *Complete phase, failure otherwise,
// except for the miniloader-reset exception (spec §4.5, §8 S4), which
// suppresses the first post-miniloader-send disconnect and keeps the
// session running to await re-enumeration via Reattach.
func (s *Session) handleDisconnect() (terminal bool, result Phase) {
	phase := s.Phase()
	if phase.Success() {
		return true, phase
	}

	s.mu.Lock()
	lastSent := s.lastSentName
	suppress := lastSent == miniloaderImage && !s.miniloaderSeen
	if suppress {
		s.miniloaderSeen = true
	}
	s.mu.Unlock()

	if suppress {
		s.emit(phase, 0, lastSent, "miniloader reset (expected); awaiting re-enumeration")
		return false, phase
	}

	next := PhaseBootFail
	if phase == PhaseUpdateProgress || phase == PhaseUpdateStart {
		next = PhaseUpdateFail
	}
	s.setPhase(next)
	s.emit(next, 0, lastSent, "device disconnected unexpectedly")
	return true, next
}

// waitForCompletion implements spec §4.5's post-terminal-condition
// observation: a UART/uEnv session waits for a genuine disconnect; a USB
// console session without uEnv waits for the U-Boot prompt to reappear and
// optionally types "reset".
func (s *Session) waitForCompletion(ctx context.Context) Phase {
	phase := s.Phase()

	if s.bundle.Console == bootbundle.ConsoleUart || s.bundle.UEnvSupport {
		for {
			select {
			case <-ctx.Done():
				return phase
			case <-s.closed:
				return s.Phase()
			case <-s.disconnectCh:
				if terminal, result := s.handleDisconnect(); terminal {
					return result
				}
				// Suppressed (miniloader); keep waiting for the real
				// completion disconnect.
			}
		}
	}

	if err := s.cons.WaitPrompt(ctx); err != nil {
		return phase
	}
	if s.resetWhenComplete {
		_ = s.currentIO().WriteInterrupt(ctx, []byte("reset\n"))
	}
	return phase
}

// sendImage streams header(8)+payload for img over the bulk-out endpoint
// (spec §4.2 wire protocol) and, if tag exceeds usbio.TagUpdateThreshold,
// overwrites the 07_IMAGE size-echo side channel (spec §4.2, Testable
// Property 3).
func (s *Session) sendImage(img *image.Image, tag byte) error {
	if err := img.Open(); err != nil {
		return err
	}
	defer img.Close()

	size := img.Size()
	ctx := context.Background()
	io := s.currentIO()

	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header[0:4], uint32(size))
	if err := io.Write(ctx, header); err != nil {
		return err
	}

	buf := make([]byte, 64*1024)
	for {
		n, err := img.NextBlock(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		if err := io.Write(ctx, buf[:n]); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.lastSentName = img.Name()
	s.mu.Unlock()

	if tag > usbio.TagUpdateThreshold {
		s.mu.Lock()
		s.sizeEchoValue = size
		s.mu.Unlock()
		if err := s.writeSizeEchoFile(size); err != nil {
			return err
		}
	}
	return nil
}

// sendRaw sends a small synthetic payload (06_IMAGE/07_IMAGE) directly,
// bypassing the image.Image file abstraction since their content is
// generated in memory.
func (s *Session) sendRaw(name string, data []byte, tag byte) {
	ctx := context.Background()
	io := s.currentIO()

	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(data)))
	if err := io.Write(ctx, header); err != nil {
		return
	}
	if err := io.Write(ctx, data); err != nil {
		return
	}

	s.mu.Lock()
	s.lastSentName = name
	s.mu.Unlock()
	_ = tag
}

func (s *Session) sizeEchoBytes() []byte {
	s.mu.Lock()
	v := s.sizeEchoValue
	s.mu.Unlock()
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(v))
	return buf
}
