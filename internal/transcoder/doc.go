// Package transcoder drives ffmpeg to produce the legacy QuickTime profile:
// MPEG-4 Part 2 video and IMA ADPCM audio in a .mov container, at most
// 346x260 pixels and 19 fps, which QuickTime 3-6 on classic Mac OS and
// Windows 9x can decode.
//
// Three workflows are supported and one is chosen at startup:
//   - cpu: a single software pass
//   - cuda: an NVENC H.264 pass that decodes and scales on the GPU, then a
//     short software pass to the final codecs
//   - videotoolbox: the same two-pass shape using Apple VideoToolbox
//
// Progress is read from ffmpeg's -progress output and reported as a
// percentage of the probed duration. In the two-pass workflows the first
// pass covers 0-50% and the second 50-100%.
package transcoder
