package archiver

import "context"

// Task is the handle of a scheduled generation.
type Task struct {
	buildID string
	done    chan struct{}
	err     error
	skipped bool
}

func newTask(buildID string) *Task {
	return &Task{
		buildID: buildID,
		done:    make(chan struct{}),
	}
}

// BuildID returns the id of the build being generated.
func (t *Task) BuildID() string {
	return t.buildID
}

// Done is closed once the generation has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the failure of a finished generation. It is nil while running.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Skipped reports whether a finished generation published nothing because
// no entry could be fetched.
func (t *Task) Skipped() bool {
	select {
	case <-t.done:
		return t.skipped
	default:
		return false
	}
}

// Wait blocks until the generation finishes or ctx ends.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) finish(err error, skipped bool) {
	t.err = err
	t.skipped = skipped
	close(t.done)
}
