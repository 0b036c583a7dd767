package workflow

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"regexp"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/westcon-mx/facturador/internal/merchant"
)

func uploadBody(filename string, data []byte) (*bytes.Buffer, string) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filename)
	Expect(err).NotTo(HaveOccurred())
	_, err = part.Write(data)
	Expect(err).NotTo(HaveOccurred())
	Expect(writer.Close()).To(Succeed())
	return body, writer.FormDataContentType()
}

func decodeBody(resp *http.Response, v any) {
	defer resp.Body.Close()
	Expect(json.NewDecoder(resp.Body).Decode(v)).To(Succeed())
}

var _ = Describe("Server", func() {
	var (
		controller  *Controller
		server      *Server
		auth        BasicAuth
		recognizer  *mockRecognizer
		sink        *mockSink
		ghttpServer *ghttp.Server
	)

	BeforeEach(func() {
		recognizer = newMockRecognizer()
		sink = newMockSink()
		auth = BasicAuth{}
	})

	JustBeforeEach(func() {
		store := merchant.NewStore(sink)
		_, err := store.Load()
		Expect(err).NotTo(HaveOccurred())
		resolver := merchant.NewResolver(merchant.Registry(), store)
		controller = NewController(recognizer, resolver, store, newMockStorage(), Config{})
		server = NewServerWithMux(controller, auth, http.NewServeMux())

		ghttpServer = ghttp.NewServer()
		for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions} {
			ghttpServer.RouteToHandler(method, regexp.MustCompile(`.*`), server.Handler().ServeHTTP)
		}
	})

	AfterEach(func() {
		ghttpServer.Close()
	})

	get := func(path string) *http.Response {
		resp, err := http.Get(ghttpServer.URL() + path)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	do := func(method, path, contentType string, body io.Reader) *http.Response {
		req, err := http.NewRequest(method, ghttpServer.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	upload := func(filename, text string) *http.Response {
		body, contentType := uploadBody(filename, []byte(text))
		return do(http.MethodPost, "/api/receipts", contentType, body)
	}

	submitPortal := func(url string) *http.Response {
		return do(http.MethodPost, "/api/session/portal", "application/json", strings.NewReader(`{"url":"`+url+`"}`))
	}

	// captureAndWait uploads a ticket and waits for it to settle
	captureAndWait := func(text string, state State) {
		resp := upload("ticket.jpg", text)
		Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
		resp.Body.Close()
		Eventually(func() State { return controller.Session().State }).Should(Equal(state))
	}

	Describe("health", func() {
		It("should report ok", func() {
			resp := get("/healthz")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var body map[string]string
			decodeBody(resp, &body)
			Expect(body).To(HaveKeyWithValue("status", "ok"))
		})
	})

	Describe("authentication", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "admin", Password: "secret"}
		})

		request := func(creds string) *http.Response {
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/session", nil)
			Expect(err).NotTo(HaveOccurred())
			if creds != "" {
				req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(creds)))
			}
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			return resp
		}

		It("should reject missing credentials", func() {
			resp := request("")
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
		})

		It("should reject wrong credentials", func() {
			Expect(request("admin:wrong").StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("should accept the configured credentials", func() {
			Expect(request("admin:secret").StatusCode).To(Equal(http.StatusOK))
		})

		It("should leave health checks open", func() {
			resp := get("/healthz")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("CORS", func() {
		It("should answer preflight requests", func() {
			resp := do(http.MethodOptions, "/api/receipts", "", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})

		It("should set headers on regular responses", func() {
			resp := get("/api/session")
			resp.Body.Close()
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})
	})

	Describe("GET /api/session", func() {
		It("should return the idle session", func() {
			resp := get("/api/session")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var s Session
			decodeBody(resp, &s)
			Expect(s.State).To(Equal(StateIdle))
		})
	})

	Describe("POST /api/receipts", func() {
		It("should start a cycle and return its id", func() {
			resp := upload("ticket.jpg", vipsTicket)
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
			var body map[string]uint64
			decodeBody(resp, &body)
			Expect(body).To(HaveKeyWithValue("cycle", uint64(1)))

			Eventually(func() State { return controller.Session().State }).Should(Equal(StateReady))
		})

		It("should reject unsupported files", func() {
			resp := upload("notes.txt", "hello")
			Expect(resp.StatusCode).To(Equal(http.StatusUnsupportedMediaType))
			var body map[string]string
			decodeBody(resp, &body)
			Expect(body["error"]).NotTo(BeEmpty())
			Expect(controller.Session().State).To(Equal(StateIdle))
		})

		It("should reject empty files", func() {
			resp := upload("ticket.jpg", "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should require a file", func() {
			body := &bytes.Buffer{}
			writer := multipart.NewWriter(body)
			Expect(writer.WriteField("note", "no file")).To(Succeed())
			Expect(writer.Close()).To(Succeed())

			resp := do(http.MethodPost, "/api/receipts", writer.FormDataContentType(), body)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should reject a body that is not multipart", func() {
			resp := do(http.MethodPost, "/api/receipts", "application/json", strings.NewReader("{}"))
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("POST /api/session/portal", func() {
		When("the receipt is waiting for a portal", func() {
			JustBeforeEach(func() {
				captureAndWait(unknownTicket, StateAwaitingManualPortal)
			})

			It("should accept the portal and learn it", func() {
				resp := submitPortal("www.tacoselpastor.mx")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				var s Session
				decodeBody(resp, &s)
				Expect(s.State).To(Equal(StateReady))
				Expect(s.Decision.Origin).To(Equal(merchant.OriginManual))
				Expect(s.Decision.URL).To(Equal("https://www.tacoselpastor.mx"))

				learned := get("/api/merchants/learned")
				var entries []merchant.LearnedMerchant
				decodeBody(learned, &entries)
				Expect(entries).To(HaveLen(1))
				Expect(entries[0].Name).To(Equal("TAQUERIA EL PASTOR"))
			})

			It("should reject a blank address", func() {
				resp := submitPortal("  ")
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})

			It("should reject invalid JSON", func() {
				resp := do(http.MethodPost, "/api/session/portal", "application/json", strings.NewReader("{"))
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})

			When("the learned store cannot be written", func() {
				BeforeEach(func() {
					sink.setErr = errors.New("disk full")
				})

				It("should still accept the portal with a warning", func() {
					resp := submitPortal("www.tacoselpastor.mx")
					Expect(resp.StatusCode).To(Equal(http.StatusOK))
					var s Session
					decodeBody(resp, &s)
					Expect(s.State).To(Equal(StateReady))
					Expect(s.Warning).NotTo(BeEmpty())
				})
			})
		})

		It("should conflict when nothing is waiting", func() {
			resp := submitPortal("www.tacoselpastor.mx")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
		})
	})

	Describe("POST /api/session/open", func() {
		It("should conflict without a ready receipt", func() {
			resp := do(http.MethodPost, "/api/session/open", "", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
		})

		It("should return the prefilled URL and summary", func() {
			captureAndWait(vipsTicket, StateReady)

			resp := do(http.MethodPost, "/api/session/open", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var body openResponse
			decodeBody(resp, &body)
			Expect(body.URL).To(HavePrefix("https://www.vips.com.mx/facturacion?"))
			Expect(body.Summary).To(ContainSubstring("DATOS DEL TICKET"))
			Expect(controller.Session().State).To(Equal(StateDone))
		})
	})

	Describe("GET /api/session/summary", func() {
		It("should conflict without a receipt", func() {
			resp := get("/api/session/summary")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
		})

		It("should return plain text", func() {
			captureAndWait(vipsTicket, StateReady)

			resp := get("/api/session/summary")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(HavePrefix("text/plain"))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring("Total a facturar: $116.00"))
		})
	})

	Describe("GET /api/session/image", func() {
		It("should return not found without a ticket", func() {
			resp := get("/api/session/image")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should serve the uploaded ticket", func() {
			captureAndWait(vipsTicket, StateReady)

			resp := get("/api/session/image")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/jpeg"))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(Equal(vipsTicket))
		})
	})

	Describe("DELETE /api/session", func() {
		It("should return to idle", func() {
			captureAndWait(vipsTicket, StateReady)

			resp := do(http.MethodDelete, "/api/session", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var s Session
			decodeBody(resp, &s)
			Expect(s.State).To(Equal(StateIdle))
		})
	})

	Describe("GET /api/merchants/learned", func() {
		It("should return an empty list", func() {
			resp := get("/api/merchants/learned")
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(strings.TrimSpace(string(body))).To(Equal("[]"))
		})

		It("should reject a bad limit", func() {
			resp := get("/api/merchants/learned?limit=abc")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("GET /api/merchants", func() {
		It("should list the built-in merchants in order", func() {
			resp := get("/api/merchants")
			var known []knownMerchant
			decodeBody(resp, &known)
			Expect(known).To(HaveLen(3))
			Expect(known[0].Name).To(Equal("Eric Kayser"))
			Expect(known[1].PortalURL).To(Equal("https://www.vips.com.mx/facturacion"))
		})
	})
})
