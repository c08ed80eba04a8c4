// Package source provides audio window producers: a push source fed by
// network transports and a WAV file replay source.
package source
