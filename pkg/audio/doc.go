// Package audio is an umbrella for audio-related sub-packages:
//
//   - pcm: sample format conversion and time/frame arithmetic
//   - capture: microphone capture via miniaudio
//   - resampler: sample rate conversion
//   - ringstore: time-indexed rolling sample history
//   - fbank: log-mel filterbank feature extraction
package audio
