package eventlog

// ============================================================================
// 校驗和計算
// 職責：計算與驗證事件的 CRC32 校驗和
// ============================================================================

import (
	"encoding/json"
	"hash/crc32"
	"strconv"
	"strings"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 演算法：
// - 串接 Seq + Type + JobID + ItemID + Data(JSON)
// - 使用 CRC32-IEEE 多項式計算
//
// 不包含 Timestamp 與 ID；Data 以 encoding/json 編碼，map key 已排序，
// 因此寫入與重放時會得到相同結果。
func CalculateChecksum(e Event) uint32 {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(e.Seq, 10))
	b.WriteByte('|')
	b.WriteString(string(e.Type))
	b.WriteByte('|')
	b.WriteString(e.JobID)
	b.WriteByte('|')
	b.WriteString(e.ItemID)
	b.WriteByte('|')
	if len(e.Data) > 0 {
		data, err := json.Marshal(e.Data)
		if err == nil {
			b.Write(data)
		}
	}
	return crc32.ChecksumIEEE([]byte(b.String()))
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(e Event) bool {
	return e.Checksum == CalculateChecksum(e)
}
