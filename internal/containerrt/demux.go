package containerrt

import (
	"io"

	"github.com/docker/docker/pkg/stdcopy"
)

// Chunk is one demultiplexed slice of exec output.
type Chunk struct {
	Data     []byte
	IsStderr bool
}

// Demux splits a combined exec stream (Docker's 8-byte-header framing, used
// uniformly by both the real daemon and rtfake) into ordered chunks,
// invoking onChunk for each. It returns once the stream reaches EOF; only
// then is it safe to call the exec handle's Wait for the exit code.
func Demux(r io.Reader, onChunk func(Chunk)) error {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()

	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(outW, errW, r)
		outW.CloseWithError(err)
		errW.CloseWithError(err)
		done <- err
	}()

	readAll := func(r io.Reader, isStderr bool) chan struct{} {
		c := make(chan struct{})
		go func() {
			buf := make([]byte, 32*1024)
			for {
				n, err := r.Read(buf)
				if n > 0 {
					chunk := make([]byte, n)
					copy(chunk, buf[:n])
					onChunk(Chunk{Data: chunk, IsStderr: isStderr})
				}
				if err != nil {
					close(c)
					return
				}
			}
		}()
		return c
	}

	outDone := readAll(outR, false)
	errDone := readAll(errR, true)
	<-outDone
	<-errDone

	err := <-done
	if err == io.EOF {
		return nil
	}
	return err
}
