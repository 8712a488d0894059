package destination

import (
	"io"
	"sync"
)

// progressReader 包装文件读取器，按已读字节数上报进度。
// 上报值单调不减，读取完成前最高报到 0.99，
// 最终的 1.0 由适配器在确认目的地接受后发出。
type progressReader struct {
	r        io.Reader
	total    int64
	read     int64
	mu       sync.Mutex
	last     float64
	callback ProgressFunc
}

func newProgressReader(r io.Reader, total int64, callback ProgressFunc) *progressReader {
	return &progressReader{r: r, total: total, callback: callback}
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 && p.total > 0 && p.callback != nil {
		p.mu.Lock()
		p.read += int64(n)
		fraction := float64(p.read) / float64(p.total)
		if fraction > 0.99 {
			fraction = 0.99
		}
		if fraction > p.last {
			p.last = fraction
			p.mu.Unlock()
			p.callback(fraction)
			return n, err
		}
		p.mu.Unlock()
	}
	return n, err
}
