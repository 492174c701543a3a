// Package scheduler plays decoded chunk audio against the output device
// clock. Chunks are placed on a rate independent virtual timeline; the
// scheduler maps that timeline onto device frames and mixes whatever is due
// into the stream the device pulls.
package scheduler
