// SPDX-License-Identifier: CC-BY-4.0
// Copyright (c) 2025-2026 fumi-engineer

package rnn

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/x448/float16"
)

// namedTensor pairs a persisted tensor with its stable checkpoint name.
type namedTensor struct {
	name string
	t    *Tensor
}

// Checkpoint binary layout (little-endian):
//
//	magic   uint32  "RNLM"
//	version uint32
//	count   uint32
//	per tensor:
//	  nameLen uint16, name bytes
//	  dtype   uint8  (0 = f32, 1 = f16)
//	  ndim    uint8, dims []uint32
//	  data    numel * dtype.Size() bytes
//
// Values are stored f32 or f16 regardless of the in-memory dtype; restore
// always widens back to f32.
const (
	checkpointMagic   uint32 = 0x524e4c4d // "RNLM"
	checkpointVersion uint32 = 1
)

// Save writes every persisted tensor (trainable parameters plus batch-norm
// running statistics) to path. dtype selects the storage precision: F32 is
// lossless, F16 halves the file at ~3 decimal digits of precision.
func (m *LanguageModel) Save(path string, dtype DType) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	tensors := m.namedTensors()

	for _, v := range []uint32{checkpointMagic, checkpointVersion, uint32(len(tensors))} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
	}
	for _, nt := range tensors {
		if err := writeTensor(w, nt, dtype); err != nil {
			return fmt.Errorf("checkpoint: tensor %q: %w", nt.name, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}

	slog.Info("checkpoint saved",
		"path", path,
		"tensors", len(tensors),
		"dtype", dtype.String())
	return nil
}

// Restore loads a checkpoint written by Save into this model's tensors.
// Every stored tensor must match an existing tensor by name and shape;
// any mismatch is an error, nothing is padded or skipped.
func (m *LanguageModel) Restore(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var magic, version, count uint32
	for _, dst := range []*uint32{&magic, &version, &count} {
		if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
	}
	if magic != checkpointMagic {
		return fmt.Errorf("checkpoint: bad magic %#x", magic)
	}
	if version != checkpointVersion {
		return fmt.Errorf("checkpoint: unsupported version %d", version)
	}

	byName := make(map[string]*Tensor)
	for _, nt := range m.namedTensors() {
		byName[nt.name] = nt.t
	}
	if int(count) != len(byName) {
		return fmt.Errorf("checkpoint: has %d tensors, model has %d", count, len(byName))
	}

	for i := uint32(0); i < count; i++ {
		if err := readTensorInto(r, byName); err != nil {
			return err
		}
	}

	slog.Info("checkpoint restored", "path", path, "tensors", count)
	return nil
}

// LoadLanguageModel builds a model from cfg and restores its tensors from
// the checkpoint at path.
func LoadLanguageModel(cfg Config, path string) (*LanguageModel, error) {
	m, err := NewLanguageModel(cfg)
	if err != nil {
		return nil, err
	}
	if err := m.Restore(path); err != nil {
		return nil, err
	}
	return m, nil
}

func writeTensor(w io.Writer, nt namedTensor, dtype DType) error {
	if len(nt.name) > 0xffff {
		return fmt.Errorf("name too long (%d bytes)", len(nt.name))
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(nt.name))); err != nil {
		return err
	}
	if _, err := io.WriteString(w, nt.name); err != nil {
		return err
	}

	dims := nt.t.Shape().DimsRef()
	header := []byte{byte(dtype), byte(len(dims))}
	if _, err := w.Write(header); err != nil {
		return err
	}
	for _, d := range dims {
		if err := binary.Write(w, binary.LittleEndian, uint32(d)); err != nil {
			return err
		}
	}

	data := nt.t.DataPtr()
	if dtype == F16 {
		buf := make([]byte, 2*len(data))
		for i, v := range data {
			binary.LittleEndian.PutUint16(buf[2*i:], float16.Fromfloat32(v).Bits())
		}
		_, err := w.Write(buf)
		return err
	}
	return binary.Write(w, binary.LittleEndian, data)
}

func readTensorInto(r io.Reader, byName map[string]*Tensor) error {
	var nameLen uint16
	if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	nameBuf := make([]byte, nameLen)
	if _, err := io.ReadFull(r, nameBuf); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	name := string(nameBuf)

	header := make([]byte, 2)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("checkpoint: tensor %q: %w", name, err)
	}
	dtype, ndim := DType(header[0]), int(header[1])
	if dtype != F32 && dtype != F16 {
		return fmt.Errorf("checkpoint: tensor %q: unknown dtype %d", name, dtype)
	}

	dims := make([]int, ndim)
	for i := range dims {
		var d uint32
		if err := binary.Read(r, binary.LittleEndian, &d); err != nil {
			return fmt.Errorf("checkpoint: tensor %q: %w", name, err)
		}
		dims[i] = int(d)
	}
	shape := NewShape(dims...)

	dst, ok := byName[name]
	if !ok {
		return fmt.Errorf("checkpoint: tensor %q not present in model", name)
	}
	if !dst.Shape().Equal(shape) {
		return fmt.Errorf("checkpoint: tensor %q: stored shape %v != model shape %v",
			name, shape, dst.Shape())
	}

	data := dst.DataPtr()
	if dtype == F16 {
		buf := make([]byte, 2*len(data))
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("checkpoint: tensor %q: %w", name, err)
		}
		for i := range data {
			data[i] = float16.Frombits(binary.LittleEndian.Uint16(buf[2*i:])).Float32()
		}
		return nil
	}
	if err := binary.Read(r, binary.LittleEndian, data); err != nil {
		return fmt.Errorf("checkpoint: tensor %q: %w", name, err)
	}
	return nil
}
