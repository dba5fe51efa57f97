package exchange

import (
	"context"
	"errors"
	"net"

	"github.com/adshao/go-binance/v2/common"
)

// 错误分类：
//   - ErrNetwork / ErrRateLimited：瞬时，可退避重试
//   - ErrRejected：交易所明确拒单（数量非法等），对该次提交终结
// 一致性/校验类错误由 engine 侧定义，不属于交易所层。

var (
	ErrNetwork     = errors.New("exchange: network error")
	ErrRateLimited = errors.New("exchange: rate limited")
	ErrRejected    = errors.New("exchange: order rejected")
	ErrNotFound    = errors.New("exchange: not found")
)

// Retryable 判断是否值得退避重试。
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRejected) {
		return false
	}
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrRateLimited) ||
		errors.Is(err, context.DeadlineExceeded)
}

// classify 将 binance/网络错误折算到上面的分类。
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1003, -1015: // TOO_MANY_REQUESTS / TOO_MANY_ORDERS
			return errors.Join(ErrRateLimited, err)
		case -2013, -2011: // NO_SUCH_ORDER / CANCEL_REJECTED
			return errors.Join(ErrNotFound, err)
		default:
			// 其余 API 错误视作拒单：参数非法、保证金不足等，盲目重试无意义。
			return errors.Join(ErrRejected, err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return errors.Join(ErrNetwork, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrNetwork, err)
	}
	return err
}
