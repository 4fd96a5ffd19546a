package live

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"runtime"
	"sync"
)

// VideoStreamer delivers frames until the device reports end of stream, at
// which point FrameChan is closed.
type VideoStreamer interface {
	Start() error
	Stop()
	FrameChan() <-chan image.Image
	ErrorChan() <-chan error
}

// FFmpegWebcamStreamer reads raw RGBA frames from an ffmpeg child process
// capturing a v4l2 (or dshow on Windows) device.
type FFmpegWebcamStreamer struct {
	stopOnce sync.Once
	waitOnce sync.Once

	device    string
	width     int
	height    int
	targetFPS uint

	cmd       *exec.Cmd
	stderr    bytes.Buffer
	frameChan chan image.Image
	errChan   chan error
	stopChan  chan struct{}
}

func NewFFmpegWebcam(device string, fps uint, width, height int) *FFmpegWebcamStreamer {
	return &FFmpegWebcamStreamer{
		device:    device,
		width:     width,
		height:    height,
		targetFPS: fps,
		frameChan: make(chan image.Image),
		errChan:   make(chan error, 1),
		stopChan:  make(chan struct{}),
	}
}

func (ws *FFmpegWebcamStreamer) args() []string {
	format, input := "v4l2", ws.device
	if runtime.GOOS == "windows" {
		format, input = "dshow", "video="+ws.device
	}
	return []string{
		"-loglevel", "error",
		"-f", format,
		"-video_size", fmt.Sprintf("%dx%d", ws.width, ws.height),
		"-i", input,
		"-vf", fmt.Sprintf("fps=%d,scale=%d:%d", ws.targetFPS, ws.width, ws.height),
		"-f", "image2pipe",
		"-pix_fmt", "rgba",
		"-vcodec", "rawvideo",
		"-",
	}
}

func (ws *FFmpegWebcamStreamer) Start() error {
	ws.cmd = exec.Command("ffmpeg", ws.args()...)
	ws.cmd.Stderr = &ws.stderr

	stdout, err := ws.cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := ws.cmd.Start(); err != nil {
		return fmt.Errorf("ffmpeg start error: %w", err)
	}

	go ws.readLoop(stdout)
	return nil
}

func (ws *FFmpegWebcamStreamer) readLoop(stdout io.ReadCloser) {
	defer close(ws.frameChan)
	defer close(ws.errChan)
	defer stdout.Close()
	defer ws.stopCmd()

	buffer := make([]byte, ws.width*ws.height*4)
	for {
		if _, err := io.ReadFull(stdout, buffer); err != nil {
			select {
			case <-ws.stopChan:
			default:
				ws.stopCmd()
				if msg := bytes.TrimSpace(ws.stderr.Bytes()); len(msg) > 0 || !errors.Is(err, io.EOF) {
					ws.errChan <- fmt.Errorf("read frame: %w (ffmpeg: %s)", err, msg)
				}
			}
			return
		}

		pix := make([]byte, len(buffer))
		copy(pix, buffer)
		frame := &image.RGBA{
			Pix:    pix,
			Stride: ws.width * 4,
			Rect:   image.Rect(0, 0, ws.width, ws.height),
		}

		// drop the frame if the consumer is still busy with the previous one
		select {
		case ws.frameChan <- frame:
		case <-ws.stopChan:
			return
		default:
		}
	}
}

func (ws *FFmpegWebcamStreamer) stopCmd() {
	ws.waitOnce.Do(func() {
		if ws.cmd != nil && ws.cmd.Process != nil {
			ws.cmd.Process.Kill()
			ws.cmd.Wait()
		}
	})
}

func (ws *FFmpegWebcamStreamer) Stop() {
	ws.stopOnce.Do(func() {
		close(ws.stopChan)
		ws.stopCmd()
	})
}

func (ws *FFmpegWebcamStreamer) FrameChan() <-chan image.Image { return ws.frameChan }
func (ws *FFmpegWebcamStreamer) ErrorChan() <-chan error       { return ws.errChan }
