package model

// PerformanceMetrics is the payload of the performance task.
type PerformanceMetrics struct {
	Strategy               string  `json:"strategy"`
	PerformanceScore       float64 `json:"performance_score"`
	AccessibilityScore     float64 `json:"accessibility_score"`
	BestPracticesScore     float64 `json:"best_practices_score"`
	SEOScore               float64 `json:"seo_score"`
	FirstContentfulPaintMs float64 `json:"first_contentful_paint_ms"`
	LargestContentfulMs    float64 `json:"largest_contentful_paint_ms"`
	TotalBlockingTimeMs    float64 `json:"total_blocking_time_ms"`
	CumulativeLayoutShift  float64 `json:"cumulative_layout_shift"`
	SpeedIndexMs           float64 `json:"speed_index_ms"`
}

// SecurityHeaders is the payload of the security task.
type SecurityHeaders struct {
	FinalURL              string   `json:"final_url"`
	HTTPS                 bool     `json:"https"`
	HSTS                  bool     `json:"hsts"`
	ContentSecurityPolicy bool     `json:"content_security_policy"`
	XFrameOptions         bool     `json:"x_frame_options"`
	XContentTypeOptions   bool     `json:"x_content_type_options"`
	ReferrerPolicy        bool     `json:"referrer_policy"`
	PermissionsPolicy     bool     `json:"permissions_policy"`
	TLSVersion            string   `json:"tls_version,omitempty"`
	Missing               []string `json:"missing,omitempty"`
}

// BusinessProfile is the payload of the business-profile task.
type BusinessProfile struct {
	Found           bool    `json:"found"`
	PlaceName       string  `json:"place_name,omitempty"`
	Address         string  `json:"address,omitempty"`
	Phone           string  `json:"phone,omitempty"`
	Website         string  `json:"website,omitempty"`
	Rating          float64 `json:"rating"`
	UserRatingCount int     `json:"user_rating_count"`
	BusinessStatus  string  `json:"business_status,omitempty"`
}

// SEOMetrics is the payload of the SEO/domain task.
type SEOMetrics struct {
	Domain          string  `json:"domain"`
	DomainRating    float64 `json:"domain_rating"`
	Backlinks       int64   `json:"backlinks"`
	ReferringDomain int64   `json:"referring_domains"`
	OrganicKeywords int64   `json:"organic_keywords"`
	OrganicTraffic  int64   `json:"organic_traffic"`
	HasRobotsTxt    bool    `json:"has_robots_txt"`
	HasSitemap      bool    `json:"has_sitemap"`
	SitemapURLs     int     `json:"sitemap_urls"`
	ChildSitemaps   int     `json:"child_sitemaps,omitempty"`
}

// Screenshot is the payload of the screenshot task.
type Screenshot struct {
	Path      string `json:"path,omitempty"`
	SHA256    string `json:"sha256"`
	Bytes     int    `json:"bytes"`
	Width     int64  `json:"width"`
	Height    int64  `json:"height"`
	Format    string `json:"format"`
	PageTitle string `json:"page_title,omitempty"`
}

// ContentAnalysis is the payload of the visual/content analysis task.
type ContentAnalysis struct {
	Model           string   `json:"model"`
	Summary         string   `json:"summary"`
	QualityScore    float64  `json:"quality_score"`
	HasCallToAction bool     `json:"has_call_to_action"`
	HasContactInfo  bool     `json:"has_contact_info"`
	Issues          []string `json:"issues,omitempty"`
	InputTokens     int64    `json:"input_tokens"`
	OutputTokens    int64    `json:"output_tokens"`
}
