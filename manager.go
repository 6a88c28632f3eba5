package sshtrace

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/chaitin/sshtrace/pkg/alloc"
	"github.com/chaitin/sshtrace/pkg/kversion"
)

// epollNotWorking indicates whether there's support for
// polling tracing pipe with epoll.
//
// XXX: on linux version 3.10, the epoll will fail to
// generate edge trigger event for tracefs files, so the
// reader must always attempt to read from the buffer.
var epollNotWorking = kversion.Current < kversion.Must("3.11")

// traceCreateRequest is the request for creating an
// instance of trace, and wait for creation completion.
type traceCreateRequest struct {
	handle     *traceHandle
	err        error
	handler    interface{}
	desc       *traceEventDescriptor
	tracepoint string
	doneCh     chan struct{}
	syncCh     <-chan struct{}
}

// createTrace is the request to create a trace object
// with the dispatched request.
func (mgr *traceManager) createTrace(
	tracepoint string,
	handler interface{}, desc *traceEventDescriptor,
) (Trace, <-chan struct{}, error) {
	req := &traceCreateRequest{
		handler:    handler,
		desc:       desc,
		tracepoint: tracepoint,
		doneCh:     make(chan struct{}),
	}
	select {
	case <-mgr.rootCtx.Done():
		return nil, nil, mgr.rootCtx.Err()
	case mgr.createCh <- req:
	}

	select {
	case <-mgr.rootCtx.Done():
		return nil, nil, mgr.rootCtx.Err()
	case <-req.doneCh:
		var handle Trace
		if req.handle != nil {
			handle = req.handle
		}
		return handle, req.syncCh, req.err
	}
}

// traceManager implements Manager.
type traceManager struct {
	rootCtx  context.Context
	createCh chan *traceCreateRequest
}

// cleanupNamespace cleans up specified namespace.
func cleanupNamespace(log *zap.SugaredLogger, root, namespace string) {
	logger := log.With(
		zap.String("root", root),
		zap.String("namespace", namespace),
	)
	if err := removeAllProbe(root, namespace); err != nil {
		logger.Infof("remove kprobes: %s", err)
	}
	if err := removeInstance(root, namespace); err != nil {
		logger.Infof("remove instance: %s", err)
	}
}

// traceManagerState holds registry of traces.
type traceManagerState struct {
	rootCtx     context.Context
	root        string
	namespace   string
	traceID     uint64
	registries  map[uint64]*traceHandle
	enableCh    chan *traceEnableRequest
	closeCh     chan *traceCloseRequest
	conditionCh chan *conditionUpdateRequest
	syncCh      chan struct{}
}

// destroy will clean up all previously allocated
// instances of traces.
func (s *traceManagerState) destroy() {
	for _, registry := range s.registries {
		registry.destroy(s.root, s.namespace)
	}
}

// markUnsync marks the registry as modified, returning
// the channel closed once the writer has caught up.
func (s *traceManagerState) markUnsync() <-chan struct{} {
	if s.syncCh == nil {
		s.syncCh = make(chan struct{})
	}
	return s.syncCh
}

// markSync is the action to mark current manager state
// as up-to-date with the writer thread.
func (s *traceManagerState) markSync() {
	if s.syncCh == nil {
		return
	}
	close(s.syncCh)
	s.syncCh = nil

	// XXX: the registry is copied on write, since it is
	// modified far less frequently than it is read.
	newRegistries := make(map[uint64]*traceHandle)
	for id, handle := range s.registries {
		newRegistries[id] = handle
	}
	s.registries = newRegistries
}

// handleCreate will handle the request of creation.
func (s *traceManagerState) handleCreate(
	request *traceCreateRequest,
) {
	defer close(request.doneCh)
	defer func() {
		if err := recover(); err != nil {
			request.err = errors.Wrap(errors.Errorf(
				"handleCreate panics: %s", err),
				"allocate trace")
		}
	}()
	request.err = func() error {
		newTraceID := alloc.Alloc(s.traceID, 0,
			func(id uint64) bool {
				return s.registries[id] != nil
			})
		if newTraceID == 0 {
			return errors.Wrap(errors.New(
				"no available trace ID"),
				"allocate trace")
		}
		s.traceID = newTraceID

		handle := &traceHandle{
			id:          newTraceID,
			createTime:  uint64(time.Now().UnixNano()),
			ctx:         s.rootCtx,
			enableCh:    s.enableCh,
			closeCh:     s.closeCh,
			conditionCh: s.conditionCh,
			handler:     reflect.ValueOf(request.handler),
			desc:        request.desc,
		}
		if err := handle.init(s.root, s.namespace,
			request.tracepoint); err != nil {
			if err != ErrBadTracePoint {
				return errors.Wrap(err,
					"initialize trace")
			}
			return ErrBadTracePoint
		}
		s.registries[newTraceID] = handle
		request.handle = handle
		request.syncCh = s.markUnsync()
		return nil
	}()
}

// handleEnable will handle the request of start.
func (s *traceManagerState) handleEnable(
	request *traceEnableRequest,
) error {
	defer close(request.doneCh)
	if request.handle.id == 0 {
		return nil
	}
	return request.handle.setEnabled(
		s.root, s.namespace, request.enabled)
}

// handleRemove will handle the request of deletion.
func (s *traceManagerState) handleRemove(
	request *traceCloseRequest,
) {
	defer close(request.doneCh)
	if request.handle.id == 0 {
		return
	}
	delete(s.registries, request.handle.id)
	request.handle.destroy(s.root, s.namespace)
	s.markUnsync()
}

// handleCondition will handle the request of condition.
func (s *traceManagerState) handleCondition(
	request *conditionUpdateRequest,
) {
	defer close(request.doneCh)
	if request.handle.id == 0 {
		return
	}
	err := request.handle.updateCondition(
		s.root, s.namespace, request.condition)
	if err != nil {
		request.err = errors.Wrap(err,
			"update trace condition")
	}
}

// traceWriterState is the state held on writer thread.
//
// The wall clock time of an event is derived from the
// trace clock epoch, relative to a pair of wall clock and
// trace clock readings taken at the same moment.
type traceWriterState struct {
	registries map[uint64]*traceHandle
	baseTime   time.Time
	baseEpoch  time.Duration
	logger     *zap.SugaredLogger
}

// monotonicEpoch reads CLOCK_MONOTONIC, which is the
// clock behind the "mono" trace clock.
func monotonicEpoch() time.Duration {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return time.Duration(ts.Nano())
}

// pow10 is the series of exponents to 10^exponent values.
var pow10 = [10]uint64{
	1,
	10,
	100,
	1000,
	10000,
	100000,
	1000000,
	10000000,
	100000000,
	1000000000,
}

// parseSecond parses the number representing the value
// of second (with period dot).
func parseSecond(value []byte) (time.Duration, error) {
	beforeDot, afterDot, _ := bytes.Cut(value, []byte("."))
	var result int64
	if len(beforeDot) > 0 {
		val, err := strconv.ParseUint(
			string(beforeDot), 10, 64)
		if err != nil {
			return time.Duration(0), err
		}
		result += int64(val * pow10[9])
	}
	if len(afterDot) > 0 {
		if len(afterDot) > 9 {
			afterDot = afterDot[0:9]
		}
		val, err := strconv.ParseUint(
			string(afterDot), 10, 64)
		if err != nil {
			return time.Duration(0), err
		}
		result += int64(val * pow10[9-len(afterDot)])
	}
	return time.Duration(result), nil
}

// parseCPU parses the "[<cpu>]" column of the record.
func parseCPU(value []byte) (int, error) {
	if len(value) < 3 || value[0] != '[' ||
		value[len(value)-1] != ']' {
		return 0, errors.Errorf("malformed cpu %q", value)
	}
	cpu, err := strconv.ParseUint(
		string(value[1:len(value)-1]), 10, 31)
	if err != nil {
		return 0, err
	}
	return int(cpu), nil
}

// cutToken removes the leading spaces and returns the
// next space separated token.
func cutToken(input []byte) (token, rest []byte) {
	input = bytes.TrimLeft(input, " ")
	if index := bytes.IndexByte(input, ' '); index >= 0 {
		return input[:index], input[index+1:]
	}
	return input, nil
}

// handleData will process the input of reader.
//
// Records of different processors are interleaved in the
// pipe, so their epochs may be equal or out of order, and
// every record is dispatched regardless.
func (s *traceWriterState) handleData(input []byte) {
	for len(input) > 0 {
		func() {
			var err error

			// The comm column is padded to 16 characters.
			if len(input) < 17 || input[16] != '-' {
				return
			}
			input = input[17:]

			var taskPID uint32
			for i := 0; i < len(input); i++ {
				if input[i] == ' ' {
					value, err := strconv.ParseUint(
						string(input[:i]), 10, 32)
					if err != nil {
						s.logger.Debugf(
							"parse taskid %q: %s",
							string(input[:i]), err)
						return
					}
					input = input[i+1:]
					taskPID = uint32(value)
					break
				}
				if input[i] < '0' || input[i] > '9' {
					return
				}
			}

			// Parse the CPU column and skip the IRQ flags.
			var cpuToken []byte
			cpuToken, input = cutToken(input)
			cpu, err := parseCPU(cpuToken)
			if err != nil {
				s.logger.Debugf("parse cpu: %s", err)
				return
			}
			_, input = cutToken(input)

			var epoch time.Duration
			for i := 0; i < len(input); i++ {
				if input[i] == ':' {
					epoch, err = parseSecond(
						bytes.TrimSpace(input[:i]))
					if err != nil {
						s.logger.Debugf(
							"parse epoch %q: %s",
							string(input[:i]), err)
						return
					}
					input = input[i+1:]
					break
				}
				if input[i] == '.' || input[i] == ' ' {
					continue
				}
				if input[i] < '0' || input[i] > '9' {
					return
				}
			}
			timestamp := s.baseTime.Add(epoch - s.baseEpoch)

			var key []byte
			for i := 0; i < len(input); i++ {
				if input[i] == ':' {
					key = input[:i]
					input = input[i+1:]
					break
				} else if input[i] == '\n' {
					key = input[:i]
					input = input[i:]
					break
				}
			}
			createTime, id := parseProbeName(
				bytes.TrimSpace(key))
			if id == 0 {
				return
			}
			handle := s.registries[id]
			if handle == nil ||
				handle.createTime != createTime {
				return
			}

			// Skip the "(<symbol>+<offset>)" location.
			input = bytes.TrimLeft(input, " ")
			if len(input) > 0 && input[0] == '(' {
				if index := bytes.IndexByte(input, ')'); index >= 0 {
					input = input[index+1:]
				}
			}
			input = bytes.TrimLeft(input, " ")

			var handleSuccess bool
			defer func() {
				handle.complete(handleSuccess)
			}()
			defer func() {
				if err := recover(); err != nil {
					s.logger.Errorf(
						"handle #%d panics: %s",
						handle.id, err)
				}
			}()

			argument := reflect.New(handle.desc.typ)
			pointer := argument.UnsafePointer()
			baseEvent := (*Event)(pointer)
			baseEvent.TaskPID = taskPID
			baseEvent.CPU = cpu
			baseEvent.Timestamp = timestamp
			baseEvent.Epoch = epoch

			offset, err := handle.desc.fill(pointer, input)
			input = input[offset:]
			if err != nil {
				s.logger.Errorf(
					"handle #%d errors: %s",
					handle.id, err)
				return
			}
			if !handle.enabled {
				return
			}
			_ = handle.handler.Call([]reflect.Value{
				reflect.Indirect(argument),
			})
			handleSuccess = true
		}()

		index := bytes.IndexByte(input, '\n')
		if index < 0 {
			break
		}
		input = input[index+1:]
	}
}

// maxReadPacketSize is the maximum size allowed for
// the manager reader packet.
const maxReadPacketSize = 10 * 1024 * 1024

// runReaderThread will execute the reader thread
// with specified pipe and channel.
func (mgr *traceManager) runReaderThread(
	tracePipe *os.File, spliceIn, spliceOut int,
	sendCh chan<- []byte,
) error {
	conn, err := tracePipe.SyscallConn()
	if err != nil {
		return errors.Wrap(err, "syscall connect")
	}

	for {
		var data []byte
		tracePipeConsume := func(fd uintptr) error {
			for len(data) < maxReadPacketSize {
				// XXX: splicing the trace pipe avoids the
				// read path of older kernels, which carries
				// a known bug around its backward jumps.
				n, err := unix.Splice(
					int(fd), nil, spliceOut, nil,
					maxReadPacketSize, unix.SPLICE_F_NONBLOCK)
				switch {
				case n > 0:
					buf := make([]byte, n)
					m, err := syscall.Read(spliceIn, buf)
					if err != nil {
						return err
					}
					data = append(data, buf[:m]...)
				case n == 0:
					return syscall.EBADF
				case err == syscall.EAGAIN ||
					err == syscall.EWOULDBLOCK ||
					err == syscall.EINTR:
					return nil
				default:
					return err
				}
			}
			return nil
		}

		if epollNotWorking {
			// The writer clamps its ticker so that this
			// will not become a busy loop.
			_ = tracePipeConsume(tracePipe.Fd())
		} else {
			var innerErr error
			if err := conn.Read(func(fd uintptr) bool {
				innerErr = tracePipeConsume(fd)
				if innerErr != nil {
					return true
				}
				return len(data) > 0
			}); err != nil {
				// XXX: internal/poll.ErrFileClosing is not
				// exported, and it is returned once the
				// pipe is closed by the master thread.
				if err.Error() == "use of closed file" {
					return nil
				}
				return errors.Wrap(err, "read pipe")
			}
			if innerErr != nil {
				return errors.Wrap(innerErr, "read pipe")
			}
		}

		select {
		case <-mgr.rootCtx.Done():
			return nil
		case sendCh <- data:
		}
	}
}

// synchronizeRegistryRequest is the request communicating
// between the master and writer.
type synchronizeRegistryRequest struct {
	registries map[uint64]*traceHandle
}

// currentSyncRequest retrieve the current request of
// synchronization from the trace manager state.
func (s *traceManagerState) currentSyncRequest() (
	request *synchronizeRegistryRequest,
) {
	if s.syncCh == nil {
		return nil
	}
	return &synchronizeRegistryRequest{
		registries: s.registries,
	}
}

// minimumTickerInterval is the interval which is the lowest
// frequecy the writer thread could operate on.
var minimumTickerInterval = 50 * time.Millisecond

// runWriterThread will execute the writer thread for
// dispatching data from the reader.
func (mgr *traceManager) runWriterThread(
	state *traceWriterState,
	syncCh <-chan *synchronizeRegistryRequest,
	receiveCh <-chan []byte, limitInterval time.Duration,
) error {
	var tick *time.Ticker
	defer func() {
		if tick != nil {
			tick.Stop()
		}
	}()
	if epollNotWorking {
		if limitInterval < minimumTickerInterval {
			limitInterval = minimumTickerInterval
		}
	}
	if limitInterval > minimumTickerInterval {
		tick = time.NewTicker(limitInterval)
	}

	received := false
	for {
		var timerCh <-chan time.Time
		var currentReceiveCh <-chan []byte
		if tick != nil && received {
			timerCh = tick.C
		} else {
			currentReceiveCh = receiveCh
		}
		select {
		case <-mgr.rootCtx.Done():
			return nil
		case data := <-currentReceiveCh:
			received = true
			state.handleData(data)
		case <-timerCh:
			received = false
		case request := <-syncCh:
			state.registries = request.registries
		}
	}
}

// runMasterThread will execute the master thread
// after the environment has been setup.
func (mgr *traceManager) runMasterThread(
	tracePipe *os.File, spliceIn, spliceOut int,
	root, namespace string, log *zap.SugaredLogger,
	syncCh chan *synchronizeRegistryRequest,
) error {
	defer cleanupNamespace(log, root, namespace)
	defer func() { _ = tracePipe.Close() }()
	defer func() {
		_ = syscall.Close(spliceIn)
		_ = syscall.Close(spliceOut)
	}()

	state := &traceManagerState{
		rootCtx:     mgr.rootCtx,
		root:        root,
		namespace:   namespace,
		registries:  make(map[uint64]*traceHandle),
		enableCh:    make(chan *traceEnableRequest),
		closeCh:     make(chan *traceCloseRequest),
		conditionCh: make(chan *conditionUpdateRequest),
	}
	defer state.destroy()

	for {
		var currentSyncCh chan<- *synchronizeRegistryRequest
		syncRequest := state.currentSyncRequest()
		if syncRequest != nil {
			currentSyncCh = syncCh
		}
		select {
		case <-mgr.rootCtx.Done():
			return nil
		case req := <-mgr.createCh:
			state.handleCreate(req)
		case req := <-state.enableCh:
			if err := state.handleEnable(req); err != nil {
				log.Errorf(
					"cannot enable handle #%d: %s",
					req.handle.id, err)
			}
		case req := <-state.closeCh:
			state.handleRemove(req)
		case req := <-state.conditionCh:
			state.handleCondition(req)
		case currentSyncCh <- syncRequest:
			state.markSync()
		}
	}
}

// setTraceClock selects the clock stamping the events of
// the instance, falling back to "global" when the kernel
// refuses the requested one.
func setTraceClock(
	log *zap.SugaredLogger, instancePath, clock string,
) (string, error) {
	target := filepath.Join(instancePath, "trace_clock")
	err := writeControl(target, clock)
	if err == nil || clock == "global" {
		return clock, err
	}
	log.Warnf("trace clock %q unavailable, using global: %s",
		clock, err)
	return "global", writeControl(target, "global")
}

// traceOptions are written into the trace_options of the
// instance, so that the records are in the known format.
var traceOptions = []string{
	"print-parent", "nosym-offset", "nosym-addr",
	"noverbose", "nohex", "nobin", "noblock",
	"nostacktrace", "trace_printk", "noftrace-preempt",
	"nobranch", "noannotate", "nouserstacktrace",
	"nosym-userobj", "noprintk-msg-only",
	"context-info", "nolatency-format",
	"nosleep-time", "nograph-time",
	"norecord-cmd", "norecord-tgid",
	"nodisable-on-free", "irq-info",
	"nomarkers", "nofunction-trace",
}

// New creates the trace manager, whose goroutines are
// run inside the group until the context is done.
func New(
	ctx context.Context, group *errgroup.Group, options ...Option,
) (Manager, error) {
	var err error
	option := newOption()
	WithOptions(options...)(option)
	logger := option.logger.Named("tracefs").Sugar()
	root := option.tracefsPath
	namespace := option.instanceName

	// The debugfs must have the last component "tracing".
	var fs unix.Statfs_t
	if err := unix.Statfs(root, &fs); err != nil {
		return nil, errors.Wrapf(err, "statfs %q", root)
	}
	isValidFileSystem := fs.Type == unix.TRACEFS_MAGIC ||
		(fs.Type == unix.DEBUGFS_MAGIC &&
			filepath.Base(root) == "tracing")
	if !isValidFileSystem {
		return nil, errors.Errorf(
			"invalid file system with magic %x", fs.Type)
	}

	// Clean up leftovers of a previous run.
	hasCreated := false
	cleanupNamespace(logger, root, namespace)
	defer func() {
		if !hasCreated {
			cleanupNamespace(logger, root, namespace)
		}
	}()

	instancePath := filepath.Join(root, "instances", namespace)
	if err := unix.Mkdir(instancePath, 0600); err != nil && err != unix.EEXIST {
		return nil, errors.Errorf(
			"cannot create instance %q: %s", namespace, err)
	}
	if err = writeControl(filepath.Join(
		instancePath, "tracing_on"), "0"); err != nil {
		return nil, err
	}
	if err = writeControl(filepath.Join(
		instancePath, "trace"), ""); err != nil {
		return nil, err
	}
	clock, err := setTraceClock(logger, instancePath, option.traceClock)
	if err != nil {
		return nil, errors.Wrap(err, "set trace clock")
	}
	for _, traceOption := range traceOptions {
		_ = writeControl(filepath.Join(
			instancePath, "trace_options"), traceOption)
	}
	if err = writeControl(filepath.Join(
		instancePath, "tracing_on"), "1"); err != nil {
		return nil, err
	}

	fd, err := syscall.Open(filepath.Join(instancePath, "trace_pipe"),
		syscall.O_RDONLY|syscall.O_NONBLOCK, 0400)
	if err != nil {
		return nil, err
	}
	tracePipe := os.NewFile(uintptr(fd), "trace_pipe")
	defer func() {
		if !hasCreated {
			_ = tracePipe.Close()
		}
	}()

	var spliceFd [2]int
	if err := syscall.Pipe2(spliceFd[:],
		syscall.O_NONBLOCK|syscall.O_CLOEXEC); err != nil {
		return nil, err
	}
	spliceIn, spliceOut := spliceFd[0], spliceFd[1]
	defer func() {
		if !hasCreated {
			_ = syscall.Close(spliceIn)
			_ = syscall.Close(spliceOut)
		}
	}()

	// Enlarging the pipe is an optional optimization.
	_, _ = unix.FcntlInt(uintptr(spliceOut),
		unix.F_SETPIPE_SZ, maxReadPacketSize)

	// XXX: the global clock is close to but not exactly
	// CLOCK_MONOTONIC, so wall clock times derived from it
	// may drift slightly.
	state := &traceWriterState{
		registries: make(map[uint64]*traceHandle),
		baseTime:   time.Now(),
		baseEpoch:  monotonicEpoch(),
		logger:     logger,
	}
	logger.Infof("trace instance %q created with clock %q",
		namespace, clock)

	receiveCh := make(chan []byte)
	syncCh := make(chan *synchronizeRegistryRequest)
	manager := &traceManager{
		rootCtx:  ctx,
		createCh: make(chan *traceCreateRequest),
	}
	group.Go(func() error {
		return manager.runMasterThread(
			tracePipe, spliceIn, spliceOut,
			root, namespace, logger, syncCh)
	})
	group.Go(func() error {
		return manager.runReaderThread(
			tracePipe, spliceIn, spliceOut, receiveCh)
	})
	group.Go(func() error {
		return manager.runWriterThread(
			state, syncCh, receiveCh, option.limitInterval)
	})
	hasCreated = true
	return manager, nil
}
