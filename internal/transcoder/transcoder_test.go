package transcoder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestFitDimensions(t *testing.T) {
	maxPixels := LegacyProfile().MaxPixels

	tests := []struct {
		name  string
		w, h  int
		wantW int
		wantH int
	}{
		{"1080p", 1920, 1080, 398, 224},
		{"720p", 1280, 720, 398, 224},
		{"4K", 3840, 2160, 398, 224},
		{"VGA", 640, 480, 344, 258},
		{"PAL", 720, 576, 334, 268},
		{"portrait phone", 1080, 1920, 222, 398},
		{"already small", 320, 240, 320, 240},
		{"odd sizes rounded down", 321, 241, 320, 240},
		{"exactly at cap", 346, 260, 346, 260},
		{"just over cap", 347, 260, 344, 258},
		{"unknown width", 0, 1080, -2, 260},
		{"negative", -1, -1, -2, 260},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := FitDimensions(tt.w, tt.h, maxPixels)
			if w != tt.wantW || h != tt.wantH {
				t.Errorf("FitDimensions(%d, %d) = %dx%d, want %dx%d", tt.w, tt.h, w, h, tt.wantW, tt.wantH)
			}
			if w > 0 && w*h > maxPixels {
				t.Errorf("Result %dx%d exceeds %d pixels", w, h, maxPixels)
			}
		})
	}
}

func TestLegacyProfileID(t *testing.T) {
	p := LegacyProfile()
	want := "mov-mpeg4q5-yuv420p-adpcm_ima_qt44100x1-89960px-19fps-rgb565"
	if p.ID() != want {
		t.Errorf("Expected profile ID %s, got %s", want, p.ID())
	}

	p.ThousandsColors = false
	if strings.HasSuffix(p.ID(), "rgb565") {
		t.Errorf("Expected no rgb565 suffix, got %s", p.ID())
	}
	if p.AppendOnly() {
		t.Error("Expected the legacy profile not to be append-only")
	}

	p.Fragmented = true
	if !strings.HasSuffix(p.ID(), "-frag") || !p.AppendOnly() {
		t.Errorf("Expected fragmented profile to be append-only with -frag suffix, got %s", p.ID())
	}
}

func TestParseWorkflow(t *testing.T) {
	tests := []struct {
		input   string
		want    Workflow
		wantErr bool
	}{
		{"cpu", WorkflowCPU, false},
		{"CUDA", WorkflowCUDA, false},
		{"nvidia", WorkflowCUDA, false},
		{"AppleS", WorkflowVideoToolbox, false},
		{"videotoolbox", WorkflowVideoToolbox, false},
		{"vaapi", "", true},
	}

	for _, tt := range tests {
		got, err := ParseWorkflow(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseWorkflow(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseWorkflow(%q) = %s, want %s", tt.input, got, tt.want)
		}
	}

	if WorkflowCPU.Hardware() || !WorkflowCUDA.Hardware() || !WorkflowVideoToolbox.Hardware() {
		t.Error("Unexpected Hardware() classification")
	}
}

// argValue returns the value following flag in args.
func argValue(args []string, flag string) (string, bool) {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1], true
		}
	}
	return "", false
}

func TestBuildPasses_CPU(t *testing.T) {
	job := Job{Source: "/media/in.mkv", Output: "/cache/tmp/out.part", Profile: LegacyProfile()}
	passes := buildPasses(WorkflowCPU, job, 398, 224)

	if len(passes) != 1 {
		t.Fatalf("Expected 1 pass, got %d", len(passes))
	}
	args := passes[0].args

	expect := map[string]string{
		"-i":            "/media/in.mkv",
		"-vf":           "format=rgb565,format=yuv420p,scale=398:224",
		"-r":            "19",
		"-c:v":          "mpeg4",
		"-q:v":          "5",
		"-pix_fmt":      "yuv420p",
		"-c:a":          "adpcm_ima_qt",
		"-ar":           "44100",
		"-ac":           "1",
		"-movflags":     "+faststart",
		"-f":            "mov",
		"-map_metadata": "-1",
		"-progress":     "pipe:1",
	}
	for flag, want := range expect {
		if got, ok := argValue(args, flag); !ok || got != want {
			t.Errorf("Expected %s %s, got %q (present=%v)", flag, want, got, ok)
		}
	}
	if want := job.Output + ".encode.mov"; args[len(args)-1] != want || passes[0].output != want {
		t.Errorf("Expected faststart output in scratch file %s, got %s", want, args[len(args)-1])
	}
	if passes[0].from != 0 || passes[0].to != 100 {
		t.Errorf("Expected single pass to cover 0-100, got %v-%v", passes[0].from, passes[0].to)
	}
}

func TestBuildPasses_Hardware(t *testing.T) {
	job := Job{Source: "/media/in.mkv", Output: "/cache/tmp/out.part", Profile: LegacyProfile()}

	tests := []struct {
		workflow  Workflow
		hwaccel   string
		encoder   string
		extraFlag string
		extraVal  string
	}{
		{WorkflowCUDA, "cuda", "h264_nvenc", "-preset", "p5"},
		{WorkflowVideoToolbox, "videotoolbox", "h264_videotoolbox", "-b:v", "4000k"},
	}

	for _, tt := range tests {
		t.Run(string(tt.workflow), func(t *testing.T) {
			passes := buildPasses(tt.workflow, job, 398, 224)
			if len(passes) != 2 {
				t.Fatalf("Expected 2 passes, got %d", len(passes))
			}

			first, second := passes[0], passes[1]
			if v, _ := argValue(first.args, "-hwaccel"); v != tt.hwaccel {
				t.Errorf("Expected -hwaccel %s, got %s", tt.hwaccel, v)
			}
			if v, _ := argValue(first.args, "-c:v"); v != tt.encoder {
				t.Errorf("Expected encoder %s, got %s", tt.encoder, v)
			}
			if v, _ := argValue(first.args, tt.extraFlag); v != tt.extraVal {
				t.Errorf("Expected %s %s, got %s", tt.extraFlag, tt.extraVal, v)
			}
			if v, _ := argValue(first.args, "-vf"); !strings.Contains(v, "scale=398:224") {
				t.Errorf("Expected scaling in first pass, got %s", v)
			}
			if first.output != intermediatePath(job.Output) {
				t.Errorf("Expected intermediate output, got %s", first.output)
			}

			if v, _ := argValue(second.args, "-i"); v != first.output {
				t.Errorf("Expected second pass to read the intermediate, got %s", v)
			}
			if _, ok := argValue(second.args, "-vf"); ok {
				t.Error("Second pass should not rescale")
			}
			if v, _ := argValue(second.args, "-c:v"); v != "mpeg4" {
				t.Errorf("Expected mpeg4 in second pass, got %s", v)
			}
			if second.args[len(second.args)-1] != encodePath(job) {
				t.Errorf("Expected final output last, got %s", second.args[len(second.args)-1])
			}
			if first.to != 50 || second.from != 50 || second.to != 100 {
				t.Errorf("Expected 0-50 / 50-100 split, got %v-%v / %v-%v", first.from, first.to, second.from, second.to)
			}
		})
	}
}

func TestBuildPasses_Fragmented(t *testing.T) {
	profile := LegacyProfile()
	profile.Fragmented = true
	job := Job{Source: "/media/in.mkv", Output: "/cache/tmp/out.part", Profile: profile}

	for _, w := range []Workflow{WorkflowCPU, WorkflowCUDA} {
		passes := buildPasses(w, job, 398, 224)
		final := passes[len(passes)-1]

		if v, _ := argValue(final.args, "-movflags"); v != "frag_keyframe+empty_moov" {
			t.Errorf("%s: expected fragmented movflags, got %q", w, v)
		}
		if v, _ := argValue(final.args, "-seekable"); v != "0" {
			t.Errorf("%s: expected -seekable 0, got %q", w, v)
		}
		if final.output != job.Output || final.args[len(final.args)-1] != job.Output {
			t.Errorf("%s: expected append-only output written in place, got %s", w, final.output)
		}
	}
}

func TestReadProgress(t *testing.T) {
	input := strings.Join([]string{
		"frame=10",
		"out_time_us=2500000",
		"out_time=00:00:02.500000",
		"total_size=1024",
		"progress=continue",
		"out_time_us=N/A",
		"progress=continue",
		"out_time_us=5000000",
		"total_size=4096",
		"progress=continue",
		"progress=end",
	}, "\n")

	var got []Progress
	p := pass{from: 50, to: 100}
	readProgress(strings.NewReader(input), 10*time.Second, p, 1, 2, func(pr Progress) {
		got = append(got, pr)
	})

	if len(got) != 4 {
		t.Fatalf("Expected 4 progress reports, got %d", len(got))
	}
	wantPercents := []float64{62.5, 62.5, 75, 100}
	for i, want := range wantPercents {
		if got[i].Percent != want {
			t.Errorf("Report %d: expected %v%%, got %v%%", i, want, got[i].Percent)
		}
		if got[i].Pass != 2 || got[i].Passes != 2 {
			t.Errorf("Report %d: expected pass 2/2, got %d/%d", i, got[i].Pass, got[i].Passes)
		}
	}
	if got[2].Bytes != 4096 {
		t.Errorf("Expected 4096 bytes, got %d", got[2].Bytes)
	}
}

func TestReadProgressUnknownDuration(t *testing.T) {
	var last Progress
	readProgress(strings.NewReader("out_time_us=9000000\nprogress=continue\n"), 0, pass{from: 0, to: 100}, 0, 1,
		func(pr Progress) { last = pr })
	if last.Percent != 0 {
		t.Errorf("Expected 0%% without a duration, got %v", last.Percent)
	}
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
		ok    bool
	}{
		{"00:00:02.500000", 2500 * time.Millisecond, true},
		{"01:02:03.00", time.Hour + 2*time.Minute + 3*time.Second, true},
		{"N/A", 0, false},
		{"12:34", 0, false},
	}

	for _, tt := range tests {
		got, ok := parseClock(tt.input)
		if ok != tt.ok || got != tt.want {
			t.Errorf("parseClock(%q) = %v, %v; want %v, %v", tt.input, got, ok, tt.want, tt.ok)
		}
	}
}

func TestParseProbe(t *testing.T) {
	info, err := parseProbe([]byte(`{"programs":[],"streams":[{"width":1920,"height":1080}],"format":{"duration":"12.500000"}}`))
	if err != nil {
		t.Fatalf("parseProbe() error = %v", err)
	}
	if info.Width != 1920 || info.Height != 1080 {
		t.Errorf("Expected 1920x1080, got %dx%d", info.Width, info.Height)
	}
	if info.Duration != 12500*time.Millisecond {
		t.Errorf("Expected 12.5s, got %v", info.Duration)
	}

	info, err = parseProbe([]byte(`{"streams":[],"format":{}}`))
	if err != nil {
		t.Fatalf("parseProbe() error = %v", err)
	}
	if info.Width != 0 || info.Duration != 0 {
		t.Errorf("Expected empty info for audio-only source, got %+v", info)
	}

	if _, err := parseProbe([]byte("not json")); err == nil {
		t.Error("Expected error for invalid JSON")
	}
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{limit: 8}
	_, _ = b.Write([]byte("hello "))
	_, _ = b.Write([]byte("world!"))
	if b.String() != "o world!" {
		t.Errorf("Expected last 8 bytes, got %q", b.String())
	}
}

// fakeTools writes ffmpeg/ffprobe stand-ins into a temp dir. The ffmpeg
// script logs its arguments, prints progress, then runs body.
func fakeTools(t *testing.T, body string) (Options, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fakes need a POSIX shell")
	}

	dir := t.TempDir()
	argLog := filepath.Join(dir, "args.log")

	ffprobe := `#!/bin/sh
echo '{"streams":[{"width":1920,"height":1080}],"format":{"duration":"2.000000"}}'
`
	ffmpeg := `#!/bin/sh
echo "$@" >> "` + argLog + `"
for last; do :; done
echo "out_time_us=1000000"
echo "total_size=9"
echo "progress=continue"
` + body + `
`
	opts := DefaultOptions(WorkflowCPU)
	opts.FFprobePath = filepath.Join(dir, "ffprobe")
	opts.FFmpegPath = filepath.Join(dir, "ffmpeg")
	opts.KillDelay = 200 * time.Millisecond

	if err := os.WriteFile(opts.FFprobePath, []byte(ffprobe), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(opts.FFmpegPath, []byte(ffmpeg), 0o755); err != nil {
		t.Fatal(err)
	}
	return opts, argLog
}

func writeSource(t *testing.T) string {
	t.Helper()
	src := filepath.Join(t.TempDir(), "in.mkv")
	if err := os.WriteFile(src, []byte("source"), 0o644); err != nil {
		t.Fatal(err)
	}
	return src
}

const succeedBody = `printf 'fakevideo' > "$last"
echo "progress=end"`

func TestTranscode_CPU(t *testing.T) {
	opts, argLog := fakeTools(t, succeedBody)
	engine := New(opts)

	out := filepath.Join(t.TempDir(), "out.part")
	var mu sync.Mutex
	var reports []Progress
	err := engine.Transcode(context.Background(), Job{Source: writeSource(t), Output: out, Profile: LegacyProfile()},
		func(p Progress) {
			mu.Lock()
			reports = append(reports, p)
			mu.Unlock()
		})
	if err != nil {
		t.Fatalf("Transcode() error = %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil || string(data) != "fakevideo" {
		t.Errorf("Expected output written, got %q (%v)", data, err)
	}

	if len(reports) != 2 || reports[0].Percent != 50 || reports[1].Percent != 100 {
		t.Errorf("Expected progress 50 then 100, got %+v", reports)
	}

	logged, _ := os.ReadFile(argLog)
	if !strings.Contains(string(logged), "scale=398:224") {
		t.Errorf("Expected probed dimensions in args, got %s", logged)
	}
	if engine.Active() != 0 {
		t.Errorf("Expected no tracked processes after completion, got %d", engine.Active())
	}
}

func TestTranscode_TwoPassRemovesIntermediate(t *testing.T) {
	opts, argLog := fakeTools(t, succeedBody)
	opts.Workflow = WorkflowCUDA
	engine := New(opts)

	out := filepath.Join(t.TempDir(), "out.part")
	var last Progress
	err := engine.Transcode(context.Background(), Job{Source: writeSource(t), Output: out, Profile: LegacyProfile()},
		func(p Progress) { last = p })
	if err != nil {
		t.Fatalf("Transcode() error = %v", err)
	}

	logged, _ := os.ReadFile(argLog)
	if lines := strings.Count(string(logged), "\n"); lines != 2 {
		t.Errorf("Expected 2 ffmpeg invocations, got %d", lines)
	}
	if _, err := os.Stat(intermediatePath(out)); !os.IsNotExist(err) {
		t.Errorf("Expected intermediate removed, got %v", err)
	}
	if last.Percent != 100 || last.Pass != 2 {
		t.Errorf("Expected final report at 100%% in pass 2, got %+v", last)
	}
}

func TestTranscode_OutputVisibility(t *testing.T) {
	body := `printf 'partial' > "$last"
echo "out_time_us=1500000"
echo "progress=continue"
sleep 0.3
printf 'fakevideo' > "$last"
echo "progress=end"`

	tests := []struct {
		name        string
		fragmented  bool
		midEncoding string // "" means job.Output does not exist yet
	}{
		{"faststart output appears when finished", false, ""},
		{"fragmented output grows in place", true, "partial"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, _ := fakeTools(t, body)
			engine := New(opts)

			profile := LegacyProfile()
			profile.Fragmented = tt.fragmented
			out := filepath.Join(t.TempDir(), "out.part")

			var seen string
			var checked bool
			err := engine.Transcode(context.Background(), Job{Source: writeSource(t), Output: out, Profile: profile},
				func(p Progress) {
					if p.Percent != 75 {
						return
					}
					checked = true
					data, err := os.ReadFile(out)
					if err == nil {
						seen = string(data)
					}
				})
			if err != nil {
				t.Fatalf("Transcode() error = %v", err)
			}

			if !checked {
				t.Fatal("Expected a mid-encode progress report")
			}
			if seen != tt.midEncoding {
				t.Errorf("Expected %q at job.Output mid-encode, got %q", tt.midEncoding, seen)
			}
			if data, err := os.ReadFile(out); err != nil || string(data) != "fakevideo" {
				t.Errorf("Expected finished output, got %q (%v)", data, err)
			}
			if _, err := os.Stat(out + ".encode.mov"); !os.IsNotExist(err) {
				t.Errorf("Expected no scratch file left, got %v", err)
			}
		})
	}
}

func TestTranscode_EngineFailure(t *testing.T) {
	opts, _ := fakeTools(t, `echo "Unsupported codec" >&2
exit 1`)
	engine := New(opts)

	err := engine.Transcode(context.Background(),
		Job{Source: writeSource(t), Output: filepath.Join(t.TempDir(), "out.part"), Profile: LegacyProfile()}, nil)
	if !errors.Is(err, ErrEngineFailure) {
		t.Fatalf("Expected ErrEngineFailure, got %v", err)
	}
	if !strings.Contains(err.Error(), "Unsupported codec") {
		t.Errorf("Expected stderr in error, got %v", err)
	}
}

func TestTranscode_Timeout(t *testing.T) {
	opts, _ := fakeTools(t, `exec sleep 5`)
	engine := New(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := engine.Transcode(ctx,
		Job{Source: writeSource(t), Output: filepath.Join(t.TempDir(), "out.part"), Profile: LegacyProfile()}, nil)
	if !errors.Is(err, ErrEngineTimeout) {
		t.Fatalf("Expected ErrEngineTimeout, got %v", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Errorf("Expected the engine to be killed promptly, took %v", time.Since(start))
	}
}

func TestTranscode_CancelKeepsCause(t *testing.T) {
	opts, _ := fakeTools(t, `exec sleep 5`)
	engine := New(opts)

	cause := errors.New("force cancel")
	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel(cause)
	}()

	err := engine.Transcode(ctx,
		Job{Source: writeSource(t), Output: filepath.Join(t.TempDir(), "out.part"), Profile: LegacyProfile()}, nil)
	if !errors.Is(err, cause) {
		t.Errorf("Expected cancel cause, got %v", err)
	}
}

func TestTranscode_SourceUnreadable(t *testing.T) {
	engine := New(DefaultOptions(WorkflowCPU))
	err := engine.Transcode(context.Background(),
		Job{Source: filepath.Join(t.TempDir(), "missing.mkv"), Output: "/nonexistent/out", Profile: LegacyProfile()}, nil)
	if !errors.Is(err, ErrSourceUnreadable) {
		t.Errorf("Expected ErrSourceUnreadable, got %v", err)
	}
}

func TestCleanup_HandlesEmptyProcessMap(t *testing.T) {
	engine := New(Options{})
	engine.Cleanup()
	if engine.Workflow() != WorkflowCPU {
		t.Errorf("Expected default workflow cpu, got %s", engine.Workflow())
	}
}
