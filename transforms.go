package feedcache

// Transform is a pure function from the current collection to the next one.
// It must not modify its argument's pages or items in place.
type Transform func(Collection) Collection

// Chain applies ts left to right.
func Chain(ts ...Transform) Transform {
	return func(c Collection) Collection {
		for _, t := range ts {
			if t != nil {
				c = t(c)
			}
		}
		return c
	}
}

// PrependItem inserts it at the head of page 0. A collection with no pages
// gets a single head page holding only it.
func PrependItem(it Item) Transform {
	return func(c Collection) Collection {
		if len(c.Pages) == 0 {
			return Collection{Pages: []Page{{Items: []Item{it}}}}
		}
		out := c.clone()
		head := out.Pages[0]
		items := make([]Item, 0, len(head.Items)+1)
		items = append(items, it)
		items = append(items, head.Items...)
		head.Items = items
		out.Pages[0] = head
		return out
	}
}

// UpdateItem replaces the item with id by fn(item). Missing ids leave the
// collection unchanged. Only the page holding the item is copied.
func UpdateItem(id string, fn func(Item) Item) Transform {
	return func(c Collection) Collection {
		_, pi, ii, ok := c.Find(id)
		if !ok {
			return c
		}
		out := c.clone()
		page := out.Pages[pi]
		items := make([]Item, len(page.Items))
		copy(items, page.Items)
		items[ii] = fn(items[ii])
		page.Items = items
		out.Pages[pi] = page
		return out
	}
}

// RemoveItem drops the item with id.
func RemoveItem(id string) Transform {
	return func(c Collection) Collection {
		_, pi, ii, ok := c.Find(id)
		if !ok {
			return c
		}
		out := c.clone()
		page := out.Pages[pi]
		items := make([]Item, 0, len(page.Items)-1)
		items = append(items, page.Items[:ii]...)
		items = append(items, page.Items[ii+1:]...)
		page.Items = items
		out.Pages[pi] = page
		return out
	}
}

// SetLiked sets the liked flag and moves the like counter in the same step.
// An item already in the requested state is left alone so the counter never
// drifts from the flag.
func SetLiked(id string, liked bool) Transform {
	return UpdateItem(id, func(it Item) Item {
		if it.LikedByMe == liked {
			return it
		}
		delta := int64(1)
		if !liked {
			delta = -1
		}
		it = it.withCounter(CounterLikes, delta)
		it.LikedByMe = liked
		return it
	})
}

// ReplaceItem swaps the item with id for with. When id is gone (e.g. a
// restore removed the placeholder) with is prepended instead, unless an item
// with with.ID is already cached, in which case the placeholder is only dropped.
func ReplaceItem(id string, with Item) Transform {
	return func(c Collection) Collection {
		if id != with.ID {
			if _, _, _, ok := c.Find(with.ID); ok {
				return RemoveItem(id)(c)
			}
		}
		if _, _, _, ok := c.Find(id); ok {
			return UpdateItem(id, func(Item) Item { return with })(c)
		}
		return PrependItem(with)(c)
	}
}
