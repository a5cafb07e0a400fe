package metrics

// DefaultCapacity 每类样本缓冲区的默认容量
const DefaultCapacity = 1000

// Ring 固定容量的环形缓冲区，写满后覆盖最旧的元素。不是并发安全的。
type Ring[T any] struct {
	buf   []T
	start int
	size  int
}

// NewRing 创建容量为 capacity 的环形缓冲区，capacity <= 0 时使用默认容量
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push 追加一个元素，返回是否覆盖了最旧的元素
func (r *Ring[T]) Push(v T) bool {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = v
		r.size++
		return false
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
	return true
}

// Len 当前元素数
func (r *Ring[T]) Len() int { return r.size }

// Cap 容量
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Each 从旧到新遍历，fn 返回 false 时停止
func (r *Ring[T]) Each(fn func(v T) bool) {
	for i := 0; i < r.size; i++ {
		if !fn(r.buf[(r.start+i)%len(r.buf)]) {
			return
		}
	}
}

// Slice 按从旧到新的顺序返回所有元素的副本
func (r *Ring[T]) Slice() []T {
	out := make([]T, 0, r.size)
	r.Each(func(v T) bool {
		out = append(out, v)
		return true
	})
	return out
}

// Last 返回最新的元素
func (r *Ring[T]) Last() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.buf[(r.start+r.size-1)%len(r.buf)], true
}

// Reset 清空缓冲区
func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.start = 0
	r.size = 0
}
