package integration

import (
	"strconv"
	"sync/atomic"
)

type Book struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Price string `json:"price"`
}

// Columns is the text each column of b reads in a debug scan.
func (b *Book) Columns() map[string]string {
	return map[string]string{
		"id":    strconv.Itoa(b.ID),
		"name":  b.Name,
		"price": b.Price,
	}
}

func CreateBooks(count int) []Book {
	var idCounter atomic.Int64
	res := make([]Book, count)
	for i := 0; i < count; i++ {
		id := int(idCounter.Add(1))
		res[i] = Book{
			ID:    id,
			Name:  "book-no-" + strconv.Itoa(id),
			Price: strconv.Itoa(id*10) + ".50",
		}
	}
	return res
}
