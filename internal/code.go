package internal

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
)

// CodeGenerator 產生房間加入碼
//
// 產生器本身無狀態；唯一性由 Registry 在持鎖時檢查。
type CodeGenerator interface {
	Generate() (string, error)
}

// CodeGeneratorFunc 函數形式的 CodeGenerator
type CodeGeneratorFunc func() (string, error)

// Generate 實作 CodeGenerator
func (f CodeGeneratorFunc) Generate() (string, error) {
	return f()
}

// NumericCodeGenerator 產生固定位數的數字碼
//
// 預設範圍 10000-99999：五位數、不以 0 開頭，方便學生口頭報碼輸入。
type NumericCodeGenerator struct {
	min int64
	max int64
}

// NewNumericCodeGenerator 創建五位數加入碼產生器
func NewNumericCodeGenerator() *NumericCodeGenerator {
	return &NumericCodeGenerator{min: 10000, max: 99999}
}

// NewNumericCodeGeneratorRange 創建指定範圍（含兩端）的產生器
func NewNumericCodeGeneratorRange(min, max int64) (*NumericCodeGenerator, error) {
	if min < 0 || max < min {
		return nil, fmt.Errorf("invalid code range [%d, %d]", min, max)
	}
	return &NumericCodeGenerator{min: min, max: max}, nil
}

// Generate 以 crypto/rand 均勻抽取一個代碼
func (g *NumericCodeGenerator) Generate() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(g.max-g.min+1))
	if err != nil {
		return "", fmt.Errorf("read random code: %w", err)
	}
	return strconv.FormatInt(g.min+n.Int64(), 10), nil
}

// Size 代碼空間大小
func (g *NumericCodeGenerator) Size() int64 {
	return g.max - g.min + 1
}
