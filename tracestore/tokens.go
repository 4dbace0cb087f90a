package tracestore

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/BaSui01/crewtrace/types"
)

var _ types.TokenCounter = (*TiktokenCounter)(nil)

// TiktokenCounter 用 tiktoken 估算消息 token 数，编码在首次使用时加载
type TiktokenCounter struct {
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	initErr  error
}

// NewTiktokenCounter 按模型名选择编码：gpt-4o 系列用 o200k_base，其余用 cl100k_base
func NewTiktokenCounter(model string) *TiktokenCounter {
	encoding := "cl100k_base"
	if strings.HasPrefix(model, "gpt-4o") || strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3") {
		encoding = "o200k_base"
	}
	return &TiktokenCounter{encoding: encoding}
}

func (c *TiktokenCounter) init() error {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(c.encoding)
		if err != nil {
			c.initErr = fmt.Errorf("init tiktoken encoding %s: %w", c.encoding, err)
			return
		}
		c.enc = enc
	})
	return c.initErr
}

// CountTokens 返回 text 的 token 数
func (c *TiktokenCounter) CountTokens(text string) (int, error) {
	if err := c.init(); err != nil {
		return 0, err
	}
	return len(c.enc.Encode(text, nil, nil)), nil
}

// Encoding 使用的编码名
func (c *TiktokenCounter) Encoding() string {
	return c.encoding
}
