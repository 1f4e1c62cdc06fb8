package server

// Box 轴对齐包围盒（AABB），x/y 为左上角
type Box struct {
	X, Y, W, H float64
}

// Overlaps 判断两个盒子按 inset 收缩后是否重叠
// inset > 0：每个盒子四边向内收缩，轻微贴边不算重叠（用于移动阻挡）
// inset < 0：盒子向外扩张，贴近即算重叠（用于抓捕判定）
func Overlaps(a, b Box, inset float64) bool {
	ax1, ay1 := a.X+inset, a.Y+inset
	ax2, ay2 := a.X+a.W-inset, a.Y+a.H-inset
	bx1, by1 := b.X+inset, b.Y+inset
	bx2, by2 := b.X+b.W-inset, b.Y+b.H-inset
	if ax2 <= ax1 || ay2 <= ay1 || bx2 <= bx1 || by2 <= by1 {
		return false // 收缩后退化为空盒
	}
	return ax1 < bx2 && bx1 < ax2 && ay1 < by2 && by1 < ay2
}

// ClampToArena 将左上角坐标裁剪进 [0, arenaW-w] × [0, arenaH-h]
func ClampToArena(x, y, w, h, arenaW, arenaH float64) (float64, float64) {
	if x < 0 {
		x = 0
	}
	if y < 0 {
		y = 0
	}
	if max := arenaW - w; x > max {
		x = max
	}
	if max := arenaH - h; y > max {
		y = max
	}
	return x, y
}
