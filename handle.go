package sshtrace

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"sync/atomic"
	"syscall"

	"github.com/pkg/errors"
)

// traceHandle refers to a single trace registry managed
// by the trace manager and can update its options.
type traceHandle struct {
	id          uint64
	createTime  uint64
	numDone     atomic.Uint64
	numLoss     atomic.Uint64
	ctx         context.Context
	enableCh    chan *traceEnableRequest
	closeCh     chan *traceCloseRequest
	conditionCh chan *conditionUpdateRequest
	handler     reflect.Value
	desc        *traceEventDescriptor
	condition   string
	enabled     bool
}

// getProbeName formats the probe name.
func (t *traceHandle) getProbeName() string {
	return fmt.Sprintf("probe_%x_%x", t.createTime, t.id)
}

// getEventPath evaluates the path of a control file of
// the probe inside the instance.
//
// <tracefs>/instances/<ns>/events/<ns>/<probe>/<file>.
func (t *traceHandle) getEventPath(
	root, namespace, file string,
) string {
	return filepath.Join(root, "instances", namespace,
		"events", namespace, t.getProbeName(), file)
}

// parseProbeName converts from probe name to id.
//
// If the probe name cannot be parsed, it will return 0
// directly, which is not a valid id for probe.
func parseProbeName(name []byte) (createTime, id uint64) {
	if !bytes.HasPrefix(name, []byte("probe_")) {
		return
	}
	name = name[len("probe_"):]
	if index := bytes.Index(name, []byte("_")); index > 0 {
		createTime, _ = strconv.ParseUint(
			string(name[:index]), 16, 64)
		id, _ = strconv.ParseUint(
			string(name[index+1:]), 16, 64)
	}
	return
}

// ID is the current ID of the trace handle.
func (t *traceHandle) ID() uint64 {
	return t.id
}

// GetDone retrieves the number of done events.
func (t *traceHandle) GetDone() uint64 {
	return t.numDone.Load()
}

// GetLost retrieves the number of lost events.
func (t *traceHandle) GetLost() uint64 {
	return t.numLoss.Load()
}

// complete increments the corresponding counter.
func (t *traceHandle) complete(success bool) {
	if success {
		t.numDone.Add(1)
	} else {
		t.numLoss.Add(1)
	}
}

// traceEnableRequest is the request to enable or
// disable the handle.
type traceEnableRequest struct {
	enabled bool
	handle  *traceHandle
	doneCh  chan struct{}
}

// SetEnabled requests for the enable state update.
func (t *traceHandle) SetEnabled(enabled bool) {
	if t.enabled == enabled {
		return
	}
	req := &traceEnableRequest{
		enabled: enabled,
		handle:  t,
		doneCh:  make(chan struct{}),
	}
	select {
	case <-t.ctx.Done():
		return
	case t.enableCh <- req:
		<-req.doneCh
	}
}

// setEnabled flips the state of the handle.
func (t *traceHandle) setEnabled(
	root, namespace string, enabled bool,
) error {
	if t.enabled == enabled {
		return nil
	}
	enableString := []byte("0")
	if enabled {
		enableString = []byte("1")

		// XXX: the filter might have been reset while the
		// probe is disabled, so it is written again before
		// the probe starts producing.
		if err := t.updateCondition(
			root, namespace, t.condition); err != nil {
			return err
		}
	}
	if err := os.WriteFile(
		t.getEventPath(root, namespace, "enable"),
		enableString, os.FileMode(0600)); err != nil {
		return err
	}
	t.enabled = enabled
	return nil
}

// traceCloseRequest is the request to close the handle.
type traceCloseRequest struct {
	handle *traceHandle
	doneCh chan struct{}
}

// Close will send the message to the manager.
func (t *traceHandle) Close() {
	req := &traceCloseRequest{
		handle: t,
		doneCh: make(chan struct{}),
	}
	select {
	case <-t.ctx.Done():
		return
	case t.closeCh <- req:
	}
	select {
	case <-t.ctx.Done():
	case <-req.doneCh:
	}
}

// conditionUpdateRequest is the request to update condition
// of the current trace handle.
type conditionUpdateRequest struct {
	handle    *traceHandle
	err       error
	condition string
	doneCh    chan struct{}
}

// SetCondition will dispatch the condition to manager
// and waits for its result.
func (t *traceHandle) SetCondition(condition string) error {
	req := &conditionUpdateRequest{
		handle:    t,
		condition: condition,
		doneCh:    make(chan struct{}),
	}
	select {
	case <-t.ctx.Done():
		return t.ctx.Err()
	case t.conditionCh <- req:
		<-req.doneCh
		return req.err
	}
}

// evaluateCondition combines the initial condition of the
// event with the condition set by the user.
func evaluateCondition(left, right string) string {
	switch {
	case left == "" && right != "":
		return right
	case left != "" && right != "":
		return fmt.Sprintf("(%s) && (%s)", left, right)
	case left != "" && right == "":
		return left
	default:
		return "0"
	}
}

// updateCondition writes the filter of the probe, and
// rolls back to the previous one on failure.
func (t *traceHandle) updateCondition(
	root, namespace, condition string,
) error {
	target := t.getEventPath(root, namespace, "filter")
	oldCondition := evaluateCondition(
		t.desc.initialCondition, t.condition)
	defer func() {
		if t.condition == condition {
			return
		}

		// XXX: the probe is disabled if the previous
		// condition cannot be restored, rather than
		// flooding the pipe with unfiltered records.
		if err := os.WriteFile(target, []byte(oldCondition),
			os.FileMode(0600)); err != nil {
			_ = os.WriteFile(
				t.getEventPath(root, namespace, "enable"),
				[]byte("0"), os.FileMode(0600))
		}
	}()

	newCondition := evaluateCondition(
		t.desc.initialCondition, condition)
	err := os.WriteFile(target,
		[]byte(newCondition), os.FileMode(0600))
	if err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) || pathErr.Err != syscall.EINVAL {
			return err
		}

		// Fetch and report the cause from the filter file.
		cause, readErr := os.ReadFile(target)
		if readErr != nil {
			return err
		}
		return errors.Errorf(
			"filter expression %q syntax error: %s",
			newCondition, string(cause))
	}
	t.condition = condition
	return nil
}

// init attempts to initialize a specific probe, this
// must be done after the fields inside the trace handle
// have already been initialized.
func (t *traceHandle) init(
	root, namespace, tracepoint string,
) error {
	var err error
	var probeCreated bool

	var prefix string
	switch t.desc.meta {
	case typeProbeEvent:
		prefix = "p"
	case typeReturnEvent:
		prefix = "r"
	default:
		return errors.Errorf(
			"type %s is not supported", t.desc.meta)
	}

	// The header alone is written first to validate the
	// tracepoint, and then the probe with its arguments.
	probeName := t.getProbeName()
	probeHeader := fmt.Sprintf("%s:%s/%s %s",
		prefix, namespace, probeName, tracepoint)
	probeExpr := probeHeader + " " + t.desc.format()
	fd, err := syscall.Open(filepath.Join(root, "kprobe_events"),
		syscall.O_WRONLY|syscall.O_APPEND, 0600)
	if err != nil {
		return err
	}
	defer func() { _ = syscall.Close(fd) }()
	if _, err = syscall.Write(fd, []byte(probeHeader)); err != nil {
		if err == syscall.EINVAL || err == syscall.ENOENT {
			return ErrBadTracePoint
		}
		return err
	}
	if err = removeProbe(root, namespace, probeName); err != nil {
		return err
	}
	if _, err = syscall.Write(fd, []byte(probeExpr)); err != nil {
		if err == syscall.EINVAL {
			return errors.Errorf(
				"probe expression %q syntax error", probeExpr)
		}
		return err
	}
	defer func() {
		if !probeCreated {
			_ = removeProbe(root, namespace, probeName)
		}
	}()

	if err = t.updateCondition(root, namespace, ""); err != nil {
		return err
	}

	// Toggling the probe reveals the problems that are
	// only detected when the probe is armed.
	enableFilePath := t.getEventPath(root, namespace, "enable")
	if err = os.WriteFile(enableFilePath,
		[]byte("1"), os.FileMode(0600)); err != nil {
		return err
	}
	if err = os.WriteFile(enableFilePath,
		[]byte("0"), os.FileMode(0600)); err != nil {
		return err
	}
	probeCreated = true
	return nil
}

// destroy will attempt to remove the single probe.
func (t *traceHandle) destroy(root, namespace string) {
	_ = removeProbe(root, namespace, t.getProbeName())
	t.id = 0
}

// parseEventHandler parses and compiles the event handler,
// which must be a function taking the event by value.
func parseEventHandler(
	handler interface{},
) (*traceEventDescriptor, error) {
	handlerType := reflect.TypeOf(handler)
	if handlerType == nil {
		return nil, errors.New("parse event handler: nil handler")
	}
	if kind := handlerType.Kind(); kind != reflect.Func {
		return nil, errors.Wrapf(
			errors.Errorf("invalid kind %s", kind),
			"parse event handler")
	}
	if handlerType.NumIn() != 1 {
		return nil, errors.Wrapf(
			errors.Errorf("invalid input amount"),
			"parse event handler")
	}
	desc, err := compileTraceEvent(handlerType.In(0))
	if err != nil {
		return nil, errors.Wrapf(err, "parse event")
	}
	return desc, nil
}

// TraceKProbe will register a kprobe event.
func (mgr *traceManager) TraceKProbe(
	location string, handler interface{},
) (Trace, <-chan struct{}, error) {
	desc, err := parseEventHandler(handler)
	if err != nil {
		return nil, nil, err
	}
	return mgr.createTrace(location, handler, desc)
}
