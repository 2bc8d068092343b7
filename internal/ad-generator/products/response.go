package products

import "github.com/maltedev/infinityad/internal/models"

// Response is the API view of a product.
type Response struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Price       models.Price       `json:"price"`
	Images      []models.Image     `json:"images"`
	Rating      *float64           `json:"rating,omitempty"`
	ReviewCount int                `json:"review_count"`
	Marketplace models.Marketplace `json:"marketplace"`
	SourceURL   string             `json:"source_url"`
	SellerName  string             `json:"seller_name,omitempty"`
	IsAvailable bool               `json:"is_available"`
}

func ToResponse(p *models.Product) Response {
	return Response{
		ID:          p.MarketplaceID,
		Name:        p.DisplayName(),
		Price:       p.Price,
		Images:      p.Images,
		Rating:      p.Rating,
		ReviewCount: p.ReviewCount,
		Marketplace: p.Marketplace,
		SourceURL:   p.SourceURL,
		SellerName:  p.SellerName,
		IsAvailable: p.IsAvailable,
	}
}

func ToResponses(products []*models.Product) []Response {
	out := make([]Response, len(products))
	for i, p := range products {
		out[i] = ToResponse(p)
	}
	return out
}
