package overlay

import "github.com/diwise/road-monitor-map/pkg/types"

func Visible(e types.GeoEntity, filter types.Filter, flags types.ShowFlags) bool {
	return CategoryVisible(e.Category, filter, flags)
}

// CategoryVisible applies the filter table to a whole category:
//
//	filter == all       visible unless the category has a show flag that is off
//	filter == category  visible unless the category has a show flag that is off
//	otherwise           hidden
func CategoryVisible(c types.Category, filter types.Filter, flags types.ShowFlags) bool {
	if filter != types.FilterAll && filter != types.Filter(c) {
		return false
	}

	value, hasFlag := flags.Flag(c)
	return !hasFlag || value
}

// RequiresDetach reports whether overlays of category c must be torn down
// entirely, rather than hidden, under filter.
func RequiresDetach(c types.Category, filter types.Filter) bool {
	return filter == types.FilterAlert && c.IsBase()
}
