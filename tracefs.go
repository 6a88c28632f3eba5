package sshtrace

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// kprobeEvents is the control file of kprobes.
const kprobeEvents = "kprobe_events"

// writeControl writes a short value into a tracefs file.
func writeControl(path, value string) error {
	return os.WriteFile(path, []byte(value), os.FileMode(0600))
}

// disableInstance will attempt to disable all events
// associated with a single instance.
func disableInstance(tracefs, instance string) error {
	if instance == "" {
		return errors.New("invalid empty instance name")
	}
	var result error
	walkErr := filepath.Walk(
		filepath.Join(tracefs, "instances", instance),
		func(path string, info os.FileInfo, err error) error {
			result = multierr.Append(result, err)
			if info == nil {
				return nil
			}
			if info.Name() == "enable" && !info.IsDir() {
				result = multierr.Append(result,
					writeControl(path, "0"))
			}
			return nil
		})
	return errors.Wrapf(multierr.Append(result, walkErr),
		"disable instance %q", instance)
}

// removeInstance will attempt to remove an instance along
// with the content of its ring buffers.
func removeInstance(tracefs, instance string) error {
	if instance == "" {
		return errors.New("invalid empty instance name")
	}
	instancePath := filepath.Join(tracefs, "instances", instance)
	var stat syscall.Stat_t
	if err := syscall.Stat(instancePath, &stat); err != nil {
		if err == syscall.ENOENT {
			return nil
		}
		return errors.Wrapf(err, "stat instance %q", instance)
	}

	if err := writeControl(filepath.Join(
		instancePath, "tracing_on"), "0"); err != nil {
		return errors.Wrapf(err, "stop instance %q", instance)
	}

	// XXX: kernels between 3.10 and 5.14-rc3 might spin
	// forever while removing an instance with pending
	// records, so the ring buffers are emptied first.
	//
	// https://github.com/torvalds/linux/commit/67f0d6d9883c13174669f88adac4f0ee656cc16a
	if err := writeControl(filepath.Join(
		instancePath, "trace"), ""); err != nil {
		return errors.Wrapf(err, "clear instance %q", instance)
	}

	err := syscall.Rmdir(instancePath)
	if err == nil || err == syscall.ENOENT {
		return nil
	}
	if err != syscall.EBUSY {
		return errors.Wrapf(err, "remove instance %q", instance)
	}

	// Failing to disable is only reported when the instance
	// still could not be removed afterwards.
	disableErr := disableInstance(tracefs, instance)
	err = syscall.Rmdir(instancePath)
	if err == nil || err == syscall.ENOENT {
		return nil
	}
	return errors.Wrapf(multierr.Append(disableErr, err),
		"remove instance %q", instance)
}

// removeProbe will attempt to remove a single kprobe,
// disabling it everywhere when it is still busy.
func removeProbe(tracefs, namespace, probe string) error {
	if namespace == "" {
		return errors.New("invalid empty namespace name")
	}
	if probe == "" {
		return errors.New("invalid empty probe name")
	}
	fd, err := syscall.Open(filepath.Join(tracefs, kprobeEvents),
		syscall.O_WRONLY|syscall.O_APPEND, 0600)
	if err != nil {
		return errors.Wrapf(err, "open %s", kprobeEvents)
	}
	defer func() { _ = syscall.Close(fd) }()

	eraseWord := []byte(fmt.Sprintf("-:%s/%s", namespace, probe))
	_, err = syscall.Write(fd, eraseWord)
	if err == nil || err == syscall.ENOENT {
		return nil
	}
	if err != syscall.EBUSY {
		return errors.Wrapf(err, "remove probe %q", probe)
	}

	// Disable the probe globally and in every instance.
	var result error
	result = multierr.Append(result, writeControl(filepath.Join(
		tracefs, "events", namespace, probe, "enable"), "0"))
	dirents, err := os.ReadDir(filepath.Join(tracefs, "instances"))
	if err != nil && !os.IsNotExist(err) {
		result = multierr.Append(result, err)
	}
	for _, dirent := range dirents {
		if !dirent.IsDir() {
			continue
		}
		result = multierr.Append(result, writeControl(
			filepath.Join(tracefs, "instances", dirent.Name(),
				"events", namespace, probe, "enable"), "0"))
	}

	_, err = syscall.Write(fd, eraseWord)
	if err == nil || err == syscall.ENOENT {
		return nil
	}
	return errors.Wrapf(multierr.Append(result, err),
		"remove probe %q", probe)
}

// removeAllProbe will remove all kprobes under namespace.
func removeAllProbe(tracefs, namespace string) error {
	if namespace == "" {
		return errors.New("invalid empty namespace name")
	}
	var result error
	dirents, err := os.ReadDir(
		filepath.Join(tracefs, "events", namespace))
	if err != nil && !os.IsNotExist(err) {
		result = multierr.Append(result, err)
	}
	for _, dirent := range dirents {
		if !dirent.IsDir() {
			continue
		}
		result = multierr.Append(result,
			removeProbe(tracefs, namespace, dirent.Name()))
	}
	return errors.Wrapf(result,
		"remove probes of %q", namespace)
}
