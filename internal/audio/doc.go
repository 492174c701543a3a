// Package audio decodes synthesized chunk audio into PCM and provides the
// output devices the scheduler renders into. The oto/v3 device drives real
// hardware; the null device consumes audio on a timer for CI and tests.
package audio
