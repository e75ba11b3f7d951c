package audit

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

// GenesisHash — PrevHash первой записи цепочки.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// sealedFields — каноническое представление записи для хеширования.
// encoding/json сортирует ключи map, поэтому порядок Details стабилен.
type sealedFields struct {
	ID            string            `json:"id"`
	Seq           int64             `json:"seq"`
	ActorID       string            `json:"actor"`
	Action        Action            `json:"action"`
	Details       map[string]string `json:"details"`
	SourceAddress string            `json:"source"`
	Timestamp     string            `json:"ts"`
}

// NormalizeTime приводит время к точности, которую сохраняют все хранилища.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// ComputeHash = blake2b-256(prev || canonical(e)).
func ComputeHash(prev string, e *Event) (string, error) {
	payload, err := json.Marshal(sealedFields{
		ID:            e.ID,
		Seq:           e.Seq,
		ActorID:       e.ActorID,
		Action:        e.Action,
		Details:       e.Details,
		SourceAddress: e.SourceAddress,
		Timestamp:     NormalizeTime(e.Timestamp).Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", fmt.Errorf("audit: canonical encoding: %w", err)
	}

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	h.Write([]byte(prev))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Seal дописывает запись в цепочку после предыдущей (prevSeq, prevHash).
func Seal(prevSeq int64, prevHash string, e *Event) error {
	if prevHash == "" {
		prevHash = GenesisHash
	}
	e.Seq = prevSeq + 1
	e.PrevHash = prevHash
	e.Timestamp = NormalizeTime(e.Timestamp)

	hash, err := ComputeHash(prevHash, e)
	if err != nil {
		return err
	}
	e.Hash = hash
	return nil
}

// VerifyReport — результат проверки целостности журнала.
type VerifyReport struct {
	Checked   int64  `json:"checked"`
	OK        bool   `json:"ok"`
	BrokenSeq int64  `json:"brokenSeq,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// chainVerifier проверяет записи по одной в порядке возрастания Seq.
type chainVerifier struct {
	report   VerifyReport
	prevSeq  int64
	prevHash string
}

func newChainVerifier() *chainVerifier {
	return &chainVerifier{report: VerifyReport{OK: true}, prevHash: GenesisHash}
}

// next возвращает false на первой же поломке.
func (v *chainVerifier) next(e Event) bool {
	v.report.Checked++

	fail := func(reason string) bool {
		v.report.OK = false
		v.report.BrokenSeq = e.Seq
		v.report.Reason = reason
		return false
	}

	if e.Seq != v.prevSeq+1 {
		return fail(fmt.Sprintf("sequence gap: expected %d", v.prevSeq+1))
	}
	if e.PrevHash != v.prevHash {
		return fail("prev hash mismatch")
	}
	want, err := ComputeHash(e.PrevHash, &e)
	if err != nil {
		return fail(err.Error())
	}
	if want != e.Hash {
		return fail("content hash mismatch")
	}

	v.prevSeq = e.Seq
	v.prevHash = e.Hash
	return true
}
