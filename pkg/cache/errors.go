package cache

import (
	stderrors "errors"

	"erpcache/pkg/errors"
)

func missError(key string) error {
	return errors.NewError(errors.ErrCacheMiss, "cache miss").WithContext("key", key)
}

func closedError() error {
	return errors.NewError(errors.ErrCacheClosed, "cache is closed")
}

// IsMiss 判断错误是否表示缓存未命中
func IsMiss(err error) bool {
	return stderrors.Is(err, errors.ErrMiss)
}

// IsClosed 判断错误是否由已关闭的缓存返回
func IsClosed(err error) bool {
	return stderrors.Is(err, errors.ErrClosed)
}
