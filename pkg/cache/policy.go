package cache

import (
	"container/list"
)

// PolicyType 淘汰策略类型
type PolicyType string

const (
	PolicyFIFO PolicyType = "fifo" // First In First Out，按插入顺序淘汰
	PolicyLRU  PolicyType = "lru"  // Least Recently Used
)

// EvictionPolicy 缓存淘汰策略。
// 策略本身不加锁，由所属缓存在持有锁时调用。
type EvictionPolicy interface {
	// OnAdd 新键加入时调用，覆盖已有键时不调用
	OnAdd(key string)
	// OnAccess 键被读取或覆盖时调用
	OnAccess(key string)
	// OnRemove 键被删除时调用
	OnRemove(key string)
	// Victim 返回下一个应被淘汰的键
	Victim() (string, bool)
	// Reset 清空策略状态
	Reset()
}

// NewEvictionPolicy 创建淘汰策略
func NewEvictionPolicy(policyType PolicyType) EvictionPolicy {
	switch policyType {
	case PolicyLRU:
		return NewLRUPolicy()
	default:
		return NewFIFOPolicy() // 默认按插入顺序
	}
}

// orderList 以双向链表维护键的顺序，队首为最先淘汰的键
type orderList struct {
	order *list.List
	index map[string]*list.Element
}

func newOrderList() orderList {
	return orderList{
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

func (o *orderList) pushBack(key string) {
	if _, exists := o.index[key]; exists {
		return
	}
	o.index[key] = o.order.PushBack(key)
}

func (o *orderList) moveToBack(key string) {
	if elem, exists := o.index[key]; exists {
		o.order.MoveToBack(elem)
	}
}

func (o *orderList) remove(key string) {
	if elem, exists := o.index[key]; exists {
		o.order.Remove(elem)
		delete(o.index, key)
	}
}

func (o *orderList) front() (string, bool) {
	elem := o.order.Front()
	if elem == nil {
		return "", false
	}
	return elem.Value.(string), true
}

func (o *orderList) reset() {
	o.order.Init()
	o.index = make(map[string]*list.Element)
}

// FIFOPolicy 按插入顺序淘汰，覆盖写入不改变位置
type FIFOPolicy struct {
	orderList
}

// NewFIFOPolicy 创建FIFO策略
func NewFIFOPolicy() *FIFOPolicy {
	return &FIFOPolicy{orderList: newOrderList()}
}

func (f *FIFOPolicy) OnAdd(key string)       { f.pushBack(key) }
func (f *FIFOPolicy) OnAccess(string)        {}
func (f *FIFOPolicy) OnRemove(key string)    { f.remove(key) }
func (f *FIFOPolicy) Victim() (string, bool) { return f.front() }
func (f *FIFOPolicy) Reset()                 { f.reset() }

// LRUPolicy 淘汰最久未访问的键
type LRUPolicy struct {
	orderList
}

// NewLRUPolicy 创建LRU策略
func NewLRUPolicy() *LRUPolicy {
	return &LRUPolicy{orderList: newOrderList()}
}

func (l *LRUPolicy) OnAdd(key string)       { l.pushBack(key) }
func (l *LRUPolicy) OnAccess(key string)    { l.moveToBack(key) }
func (l *LRUPolicy) OnRemove(key string)    { l.remove(key) }
func (l *LRUPolicy) Victim() (string, bool) { return l.front() }
func (l *LRUPolicy) Reset()                 { l.reset() }

var (
	_ EvictionPolicy = (*FIFOPolicy)(nil)
	_ EvictionPolicy = (*LRUPolicy)(nil)
)
