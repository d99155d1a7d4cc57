// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vm

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// The low-register arena backing ALLOC/FREE and the LOAD_*/STORE_* opcodes,
// shared with inline-assembly memory operands: a single flat byte image
// with a bump allocator, so one growable array serves every address.
const (
	memInitial = 64 * 1024
	memLimit   = 64 * 1024 * 1024
)

// memAlloc reserves size bytes and returns their base address. Address 0 is
// never handed out so a zero pointer stays distinguishable from a live one.
func (i *Instance) memAlloc(size int64) (int64, error) {
	if size < 0 {
		return 0, errors.Errorf("negative allocation size %d", size)
	}
	if i.mem == nil {
		i.mem = make([]byte, memInitial)
		i.brk = 8
	}
	addr := int64(i.brk)
	end := i.brk + int(size)
	if end > memLimit {
		return 0, errors.Errorf("arena exhausted: %d bytes requested at break %d", size, i.brk)
	}
	for end > len(i.mem) {
		i.mem = append(i.mem, make([]byte, len(i.mem))...)
	}
	i.brk = end
	return addr, nil
}

func (i *Instance) memCheck(addr int64, width int) error {
	if i.mem == nil {
		i.mem = make([]byte, memInitial)
		i.brk = 8
	}
	if addr < 0 || addr+int64(width) > int64(len(i.mem)) {
		return errors.Errorf("memory access [%d..%d) outside arena of %d bytes", addr, addr+int64(width), len(i.mem))
	}
	return nil
}

func (i *Instance) memLoad(addr int64, width int) (int64, error) {
	if err := i.memCheck(addr, width); err != nil {
		return 0, err
	}
	b := i.mem[addr:]
	switch width {
	case 1:
		return int64(b[0]), nil
	case 2:
		return int64(binary.LittleEndian.Uint16(b)), nil
	case 4:
		return int64(binary.LittleEndian.Uint32(b)), nil
	default:
		return int64(binary.LittleEndian.Uint64(b)), nil
	}
}

func (i *Instance) memStore(addr int64, width int, v int64) error {
	if err := i.memCheck(addr, width); err != nil {
		return err
	}
	b := i.mem[addr:]
	switch width {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, uint64(v))
	}
	return nil
}
