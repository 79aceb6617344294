package models

// DayMarker 边界搜索使用的单日标记
type DayMarker uint8

const (
	MarkerUnknown DayMarker = iota // 未探测
	MarkerHasData                  // 有数据
	MarkerNoData                   // 无数据
)

// String 实现fmt.Stringer
func (m DayMarker) String() string {
	switch m {
	case MarkerHasData:
		return "has_data"
	case MarkerNoData:
		return "no_data"
	default:
		return "unknown"
	}
}

// Resolved 是否已探测过
func (m DayMarker) Resolved() bool {
	return m == MarkerHasData || m == MarkerNoData
}

// MarkerFor 将探测结果转换为标记
func MarkerFor(hasData bool) DayMarker {
	if hasData {
		return MarkerHasData
	}
	return MarkerNoData
}
