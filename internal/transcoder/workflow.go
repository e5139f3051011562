package transcoder

import (
	"fmt"
	"strconv"
	"strings"
)

// Workflow selects how the engine uses the hardware.
type Workflow string

const (
	WorkflowCPU          Workflow = "cpu"
	WorkflowCUDA         Workflow = "cuda"
	WorkflowVideoToolbox Workflow = "videotoolbox"
)

// ParseWorkflow accepts the workflow names and a few common aliases.
func ParseWorkflow(s string) (Workflow, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cpu", "software":
		return WorkflowCPU, nil
	case "cuda", "nvidia", "nvenc":
		return WorkflowCUDA, nil
	case "videotoolbox", "apple", "apples":
		return WorkflowVideoToolbox, nil
	default:
		return "", fmt.Errorf("unknown workflow %q", s)
	}
}

// Hardware reports whether the workflow uses a GPU encoder.
func (w Workflow) Hardware() bool {
	return w == WorkflowCUDA || w == WorkflowVideoToolbox
}

// pass is one ffmpeg invocation. Progress for the pass is mapped onto
// [from, to] of the overall job.
type pass struct {
	name   string
	args   []string
	output string
	from   float64
	to     float64
}

var commonArgs = []string{
	"-hide_banner", "-nostdin",
	"-loglevel", "error",
	"-progress", "pipe:1", "-nostats",
}

func (p Profile) finalEncodeArgs() []string {
	args := []string{
		"-c:v", p.VideoCodec,
		"-q:v", strconv.Itoa(p.VideoQuality),
		"-pix_fmt", p.PixelFormat,
		"-c:a", p.AudioCodec,
		"-ar", strconv.Itoa(p.AudioRate),
		"-ac", strconv.Itoa(p.AudioChannels),
	}
	if p.Fragmented {
		// A non-seekable output keeps the muxer from patching earlier boxes.
		args = append(args, "-movflags", "frag_keyframe+empty_moov", "-seekable", "0")
	} else {
		args = append(args, "-movflags", "+faststart")
	}
	return append(args, "-f", p.Container)
}

func intermediatePath(output string) string {
	return output + ".pass1.mp4"
}

// encodePath is where the final pass writes. Output that is rewritten at
// the end goes to a scratch file and is moved onto job.Output once finished,
// so job.Output never holds bytes that will change.
func encodePath(job Job) string {
	if job.Profile.AppendOnly() {
		return job.Output
	}
	return job.Output + ".encode.mov"
}

// buildPasses returns the ffmpeg invocations for job at the given output size.
func buildPasses(w Workflow, job Job, width, height int) []pass {
	p := job.Profile
	filter := p.videoFilter(width, height)
	rate := strconv.Itoa(p.FrameRate)

	if !w.Hardware() {
		args := append([]string{}, commonArgs...)
		args = append(args, "-i", job.Source, "-map_metadata", "-1", "-vf", filter, "-r", rate)
		args = append(args, p.finalEncodeArgs()...)
		args = append(args, "-y", encodePath(job))
		return []pass{{name: "encode", args: args, output: encodePath(job), from: 0, to: 100}}
	}

	intermediate := intermediatePath(job.Output)

	first := append([]string{}, commonArgs...)
	switch w {
	case WorkflowCUDA:
		first = append(first, "-hwaccel", "cuda", "-i", job.Source,
			"-map_metadata", "-1", "-vf", filter, "-r", rate,
			"-c:v", "h264_nvenc", "-preset", "p5")
	case WorkflowVideoToolbox:
		first = append(first, "-hwaccel", "videotoolbox", "-i", job.Source,
			"-map_metadata", "-1", "-vf", filter, "-r", rate,
			"-c:v", "h264_videotoolbox", "-b:v", "4000k")
	}
	first = append(first, "-c:a", "aac", "-b:a", "128k", "-f", "mp4", "-y", intermediate)

	second := append([]string{}, commonArgs...)
	second = append(second, "-i", intermediate, "-map_metadata", "-1")
	second = append(second, p.finalEncodeArgs()...)
	second = append(second, "-y", encodePath(job))

	return []pass{
		{name: "hw-scale", args: first, output: intermediate, from: 0, to: 50},
		{name: "encode", args: second, output: encodePath(job), from: 50, to: 100},
	}
}
